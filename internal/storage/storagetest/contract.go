// Package storagetest provides contract tests for
// [storage.DeploymentRepository] and [storage.HistoryRepository]
// implementations.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"evalgo.org/graphdeploy/internal/errdefs"
	"evalgo.org/graphdeploy/internal/storage"
	"evalgo.org/graphdeploy/models"
)

// Repos is the pair of repositories under test, backed by one database.
type Repos struct {
	Deployments storage.DeploymentRepository
	History     storage.HistoryRepository
}

// Factory creates fresh, empty repositories for each test.
type Factory func(t *testing.T) Repos

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleDeployment(id string, createdOffset time.Duration) *models.Deployment {
	return &models.Deployment{
		ID:        id,
		ProjectID: "p1",
		ServerID:  "srv-1",
		Status:    models.DeploymentStatusPending,
		EnvVars:   map[string]string{"LOG_LEVEL": "debug"},
		Config: &models.DeploymentConfig{
			Manifest:            "version: \"3.8\"\n",
			Dockerfiles:         map[string]string{"api": "FROM node:20-alpine\n"},
			ServiceDependencies: []string{"api"},
		},
		CreatedAt: base.Add(createdOffset),
	}
}

// Run exercises the repository contracts.
func Run(t *testing.T, factory Factory) {
	t.Run("CreateAndGet", func(t *testing.T) {
		repos := factory(t)
		ctx := context.Background()

		if err := repos.Deployments.Create(ctx, sampleDeployment("d1", 0)); err != nil {
			t.Fatalf("Create: %v", err)
		}

		got, err := repos.Deployments.Get(ctx, "d1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Status != models.DeploymentStatusPending {
			t.Errorf("Status = %q, want %q", got.Status, models.DeploymentStatusPending)
		}
		if got.ServerID != "srv-1" || got.ClusterID != "" {
			t.Errorf("target = (%q, %q), want (srv-1, \"\")", got.ServerID, got.ClusterID)
		}
		if got.Config == nil || got.Config.Dockerfiles["api"] == "" {
			t.Errorf("Config not round-tripped: %+v", got.Config)
		}
		if got.EnvVars["LOG_LEVEL"] != "debug" {
			t.Errorf("EnvVars = %v", got.EnvVars)
		}
		if len(got.ServiceStatuses) != 0 {
			t.Errorf("ServiceStatuses = %v, want empty", got.ServiceStatuses)
		}
		if !got.CreatedAt.Equal(base) {
			t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, base)
		}
		if got.StartedAt != nil || got.CompletedAt != nil {
			t.Errorf("timestamps should be unset: %v %v", got.StartedAt, got.CompletedAt)
		}
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		repos := factory(t)
		ctx := context.Background()
		_ = repos.Deployments.Create(ctx, sampleDeployment("d1", 0))
		err := repos.Deployments.Create(ctx, sampleDeployment("d1", 0))
		if !errors.Is(err, errdefs.ErrAlreadyExists) {
			t.Fatalf("second Create: got %v, want ErrAlreadyExists", err)
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		repos := factory(t)
		_, err := repos.Deployments.Get(context.Background(), "nonexistent")
		if !errors.Is(err, errdefs.ErrNotFound) {
			t.Fatalf("Get: got %v, want ErrNotFound", err)
		}
	})

	t.Run("Update", func(t *testing.T) {
		repos := factory(t)
		ctx := context.Background()
		d := sampleDeployment("d1", 0)
		if err := repos.Deployments.Create(ctx, d); err != nil {
			t.Fatalf("Create: %v", err)
		}

		started := base.Add(time.Minute)
		d.Status = models.DeploymentStatusInProgress
		d.StartedAt = &started
		d.JobID = "d1"
		if err := repos.Deployments.Update(ctx, d); err != nil {
			t.Fatalf("Update: %v", err)
		}

		got, _ := repos.Deployments.Get(ctx, "d1")
		if got.Status != models.DeploymentStatusInProgress {
			t.Errorf("Status = %q", got.Status)
		}
		if got.StartedAt == nil || !got.StartedAt.Equal(started) {
			t.Errorf("StartedAt = %v, want %v", got.StartedAt, started)
		}
		if got.JobID != "d1" {
			t.Errorf("JobID = %q", got.JobID)
		}
	})

	t.Run("UpdateNotFound", func(t *testing.T) {
		repos := factory(t)
		err := repos.Deployments.Update(context.Background(), sampleDeployment("missing", 0))
		if !errors.Is(err, errdefs.ErrNotFound) {
			t.Fatalf("Update: got %v, want ErrNotFound", err)
		}
	})

	t.Run("PatchReplacesServiceStatuses", func(t *testing.T) {
		repos := factory(t)
		ctx := context.Background()
		_ = repos.Deployments.Create(ctx, sampleDeployment("d1", 0))

		first := []models.ServiceDeploymentStatus{
			{ServiceID: "api", NodeID: "api", Status: "starting"},
			{ServiceID: "db", NodeID: "db", Status: "starting"},
		}
		if _, err := repos.Deployments.Patch(ctx, "d1", storage.DeploymentPatch{ServiceStatuses: first}); err != nil {
			t.Fatalf("Patch: %v", err)
		}

		completed := base.Add(2 * time.Minute)
		got, err := repos.Deployments.Patch(ctx, "d1", storage.DeploymentPatch{
			ServiceStatuses: []models.ServiceDeploymentStatus{{ServiceID: "api", NodeID: "api", Status: "running"}},
		})
		if err != nil {
			t.Fatalf("Patch: %v", err)
		}
		if len(got.ServiceStatuses) != 1 || got.ServiceStatuses[0].Status != "running" {
			t.Errorf("ServiceStatuses = %+v, want a single running entry", got.ServiceStatuses)
		}
		if got.Status != models.DeploymentStatusPending {
			t.Errorf("Status changed by statuses-only patch: %q", got.Status)
		}

		got, err = repos.Deployments.Patch(ctx, "d1", storage.StatusPatch(models.DeploymentStatusSuccess, &completed))
		if err != nil {
			t.Fatalf("Patch: %v", err)
		}
		if got.Status != models.DeploymentStatusSuccess || got.CompletedAt == nil || !got.CompletedAt.Equal(completed) {
			t.Errorf("got (%q, %v), want (success, %v)", got.Status, got.CompletedAt, completed)
		}
		if len(got.ServiceStatuses) != 1 {
			t.Errorf("status patch clobbered service statuses: %+v", got.ServiceStatuses)
		}
	})

	t.Run("PatchNotFound", func(t *testing.T) {
		repos := factory(t)
		status := models.DeploymentStatusFailed
		_, err := repos.Deployments.Patch(context.Background(), "missing", storage.DeploymentPatch{Status: &status})
		if !errors.Is(err, errdefs.ErrNotFound) {
			t.Fatalf("Patch: got %v, want ErrNotFound", err)
		}
	})

	t.Run("FindByProjectIDOrderingFilterAndPagination", func(t *testing.T) {
		repos := factory(t)
		ctx := context.Background()
		for i, id := range []string{"d1", "d2", "d3"} {
			d := sampleDeployment(id, time.Duration(i)*time.Minute)
			if id == "d2" {
				d.Status = models.DeploymentStatusFailed
			}
			if err := repos.Deployments.Create(ctx, d); err != nil {
				t.Fatalf("Create %s: %v", id, err)
			}
		}
		other := sampleDeployment("other", 0)
		other.ProjectID = "p2"
		_ = repos.Deployments.Create(ctx, other)

		all, total, err := repos.Deployments.FindByProjectID(ctx, models.DeploymentFilter{ProjectID: "p1"})
		if err != nil {
			t.Fatalf("FindByProjectID: %v", err)
		}
		if total != 3 || len(all) != 3 {
			t.Fatalf("got %d of total %d, want 3 of 3", len(all), total)
		}
		if all[0].ID != "d3" || all[2].ID != "d1" {
			t.Errorf("order = [%s %s %s], want newest first", all[0].ID, all[1].ID, all[2].ID)
		}

		page, total, err := repos.Deployments.FindByProjectID(ctx, models.DeploymentFilter{ProjectID: "p1", Limit: 1, Offset: 1})
		if err != nil {
			t.Fatalf("FindByProjectID: %v", err)
		}
		if total != 3 || len(page) != 1 || page[0].ID != "d2" {
			t.Errorf("page = %d items (total %d), want [d2] of 3", len(page), total)
		}

		failed, total, err := repos.Deployments.FindByProjectID(ctx, models.DeploymentFilter{
			ProjectID: "p1", Status: models.DeploymentStatusFailed,
		})
		if err != nil {
			t.Fatalf("FindByProjectID: %v", err)
		}
		if total != 1 || len(failed) != 1 || failed[0].ID != "d2" {
			t.Errorf("status filter returned %d (total %d)", len(failed), total)
		}
	})

	t.Run("CountAndTargetLookups", func(t *testing.T) {
		repos := factory(t)
		ctx := context.Background()
		_ = repos.Deployments.Create(ctx, sampleDeployment("d1", 0))
		clustered := sampleDeployment("d2", time.Minute)
		clustered.ServerID = ""
		clustered.ClusterID = "cl-1"
		clustered.Status = models.DeploymentStatusSuccess
		_ = repos.Deployments.Create(ctx, clustered)

		n, err := repos.Deployments.CountByProjectID(ctx, "p1")
		if err != nil || n != 2 {
			t.Errorf("CountByProjectID = %d, %v; want 2", n, err)
		}
		byServer, err := repos.Deployments.FindByServerID(ctx, "srv-1")
		if err != nil || len(byServer) != 1 || byServer[0].ID != "d1" {
			t.Errorf("FindByServerID = %v, %v", byServer, err)
		}
		byCluster, err := repos.Deployments.FindByClusterID(ctx, "cl-1")
		if err != nil || len(byCluster) != 1 || byCluster[0].ID != "d2" {
			t.Errorf("FindByClusterID = %v, %v", byCluster, err)
		}
		active, err := repos.Deployments.FindActiveDeployments(ctx)
		if err != nil || len(active) != 1 || active[0].ID != "d1" {
			t.Errorf("FindActiveDeployments = %v, %v", active, err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		repos := factory(t)
		ctx := context.Background()
		_ = repos.Deployments.Create(ctx, sampleDeployment("d1", 0))
		if err := repos.Deployments.Delete(ctx, "d1"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := repos.Deployments.Get(ctx, "d1"); !errors.Is(err, errdefs.ErrNotFound) {
			t.Errorf("Get after Delete: got %v, want ErrNotFound", err)
		}
		if err := repos.Deployments.Delete(ctx, "d1"); !errors.Is(err, errdefs.ErrNotFound) {
			t.Errorf("second Delete: got %v, want ErrNotFound", err)
		}
	})

	t.Run("HistoryLatestSkipsRolledBack", func(t *testing.T) {
		repos := factory(t)
		ctx := context.Background()
		d := sampleDeployment("d1", 0)
		_ = repos.Deployments.Create(ctx, d)

		older := &models.DeploymentHistory{
			ID: "h1", DeploymentID: "d1", Snapshot: *d,
			Version: base.Format(time.RFC3339Nano), CreatedAt: base,
		}
		newer := &models.DeploymentHistory{
			ID: "h2", DeploymentID: "d1", Snapshot: *d,
			Version: base.Add(time.Hour).Format(time.RFC3339Nano), CreatedAt: base.Add(time.Hour),
		}
		for _, h := range []*models.DeploymentHistory{older, newer} {
			if err := repos.History.Create(ctx, h); err != nil {
				t.Fatalf("Create history %s: %v", h.ID, err)
			}
		}

		latest, err := repos.History.FindLatestByDeploymentID(ctx, "d1")
		if err != nil || latest.ID != "h2" {
			t.Fatalf("FindLatestByDeploymentID = %v, %v; want h2", latest, err)
		}
		if latest.Snapshot.Config == nil || latest.Snapshot.Config.Manifest == "" {
			t.Errorf("snapshot lost its config: %+v", latest.Snapshot)
		}

		if err := repos.History.MarkRolledBack(ctx, "h2"); err != nil {
			t.Fatalf("MarkRolledBack: %v", err)
		}
		latest, err = repos.History.FindLatestByDeploymentID(ctx, "d1")
		if err != nil || latest.ID != "h1" {
			t.Fatalf("FindLatestByDeploymentID after rollback = %v, %v; want h1", latest, err)
		}

		got, err := repos.History.Get(ctx, "h2")
		if err != nil || !got.RolledBack {
			t.Errorf("Get h2 = %+v, %v; want rolled back", got, err)
		}

		byVersion, err := repos.History.FindByVersion(ctx, "d1", older.Version)
		if err != nil || byVersion.ID != "h1" {
			t.Errorf("FindByVersion = %v, %v; want h1", byVersion, err)
		}

		list, err := repos.History.ListByDeploymentID(ctx, "d1")
		if err != nil || len(list) != 2 || list[0].ID != "h2" {
			t.Errorf("ListByDeploymentID = %v, %v", list, err)
		}
	})

	t.Run("HistoryNotFound", func(t *testing.T) {
		repos := factory(t)
		ctx := context.Background()
		if _, err := repos.History.FindLatestByDeploymentID(ctx, "none"); !errors.Is(err, errdefs.ErrNotFound) {
			t.Errorf("FindLatestByDeploymentID: got %v, want ErrNotFound", err)
		}
		if err := repos.History.MarkRolledBack(ctx, "none"); !errors.Is(err, errdefs.ErrNotFound) {
			t.Errorf("MarkRolledBack: got %v, want ErrNotFound", err)
		}
	})

	t.Run("HistoryCascadesOnDelete", func(t *testing.T) {
		repos := factory(t)
		ctx := context.Background()
		d := sampleDeployment("d1", 0)
		_ = repos.Deployments.Create(ctx, d)
		_ = repos.History.Create(ctx, &models.DeploymentHistory{ID: "h1", DeploymentID: "d1", Snapshot: *d, Version: "v1"})

		if err := repos.Deployments.Delete(ctx, "d1"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		list, err := repos.History.ListByDeploymentID(ctx, "d1")
		if err != nil || len(list) != 0 {
			t.Errorf("history after cascade = %v, %v; want empty", list, err)
		}
	})
}
