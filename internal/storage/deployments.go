package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"evalgo.org/graphdeploy/internal/errdefs"
	"evalgo.org/graphdeploy/models"
)

// DeploymentRepository persists deployment records.
type DeploymentRepository interface {
	Create(ctx context.Context, d *models.Deployment) error
	Get(ctx context.Context, id string) (*models.Deployment, error)
	Update(ctx context.Context, d *models.Deployment) error
	Patch(ctx context.Context, id string, patch DeploymentPatch) (*models.Deployment, error)
	Delete(ctx context.Context, id string) error
	FindByProjectID(ctx context.Context, filter models.DeploymentFilter) ([]*models.Deployment, int, error)
	FindByServerID(ctx context.Context, serverID string) ([]*models.Deployment, error)
	FindByClusterID(ctx context.Context, clusterID string) ([]*models.Deployment, error)
	FindActiveDeployments(ctx context.Context) ([]*models.Deployment, error)
	CountByProjectID(ctx context.Context, projectID string) (int, error)
}

// DeploymentPatch lists the fields to change; nil fields are left alone.
type DeploymentPatch struct {
	Status          *models.DeploymentStatus
	ServiceStatuses []models.ServiceDeploymentStatus
	JobID           *string
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// StatusPatch is a patch that only sets the status, and the completion time
// when completedAt is non-nil.
func StatusPatch(status models.DeploymentStatus, completedAt *time.Time) DeploymentPatch {
	return DeploymentPatch{Status: &status, CompletedAt: completedAt}
}

// DeploymentRepo implements DeploymentRepository on database/sql.
type DeploymentRepo struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

const deploymentColumns = `id, project_id, cluster_id, server_id, status, service_statuses, env_vars, config,
	job_id, started_at, completed_at, created_at, updated_at`

func (r *DeploymentRepo) clock() time.Time {
	if r.now != nil {
		return r.now().UTC()
	}
	return time.Now().UTC()
}

func (r *DeploymentRepo) q(query string) string {
	return rebind(r.dialect, query)
}

// Create inserts a deployment. CreatedAt and UpdatedAt default to now.
func (r *DeploymentRepo) Create(ctx context.Context, d *models.Deployment) error {
	if d.ID == "" {
		return fmt.Errorf("deployment id: %w", errdefs.ErrInvalidArgument)
	}
	if d.Status == "" {
		d.Status = models.DeploymentStatusPending
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = r.clock()
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = d.CreatedAt
	}

	statuses, env, cfg, err := marshalDeployment(d)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, r.q(`INSERT INTO deployments (`+deploymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		d.ID, d.ProjectID, nullString(d.ClusterID), nullString(d.ServerID), string(d.Status),
		statuses, env, cfg, nullString(d.JobID),
		nullNanos(d.StartedAt), nullNanos(d.CompletedAt), toNanos(d.CreatedAt), toNanos(d.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("deployment %q: %w", d.ID, errdefs.ErrAlreadyExists)
		}
		return fmt.Errorf("insert deployment: %w", err)
	}
	return nil
}

// Get loads a deployment by id.
func (r *DeploymentRepo) Get(ctx context.Context, id string) (*models.Deployment, error) {
	row := r.db.QueryRowContext(ctx, r.q(`SELECT `+deploymentColumns+` FROM deployments WHERE id = ?`), id)
	d, err := scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("deployment %q: %w", id, errdefs.ErrNotFound)
	}
	return d, err
}

// Update overwrites every mutable column of a deployment.
func (r *DeploymentRepo) Update(ctx context.Context, d *models.Deployment) error {
	d.UpdatedAt = r.clock()
	statuses, env, cfg, err := marshalDeployment(d)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, r.q(`UPDATE deployments
		SET project_id = ?, cluster_id = ?, server_id = ?, status = ?, service_statuses = ?, env_vars = ?,
		    config = ?, job_id = ?, started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`),
		d.ProjectID, nullString(d.ClusterID), nullString(d.ServerID), string(d.Status), statuses, env,
		cfg, nullString(d.JobID), nullNanos(d.StartedAt), nullNanos(d.CompletedAt), toNanos(d.UpdatedAt),
		d.ID,
	)
	if err != nil {
		return fmt.Errorf("update deployment: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("deployment %q: %w", d.ID, errdefs.ErrNotFound)
	}
	return nil
}

// Patch updates only the fields set in patch and returns the stored record.
func (r *DeploymentRepo) Patch(ctx context.Context, id string, patch DeploymentPatch) (*models.Deployment, error) {
	sets := "updated_at = ?"
	args := []any{toNanos(r.clock())}

	if patch.Status != nil {
		sets += ", status = ?"
		args = append(args, string(*patch.Status))
	}
	if patch.ServiceStatuses != nil {
		raw, err := json.Marshal(patch.ServiceStatuses)
		if err != nil {
			return nil, fmt.Errorf("marshal service statuses: %w", err)
		}
		sets += ", service_statuses = ?"
		args = append(args, string(raw))
	}
	if patch.JobID != nil {
		sets += ", job_id = ?"
		args = append(args, nullString(*patch.JobID))
	}
	if patch.StartedAt != nil {
		sets += ", started_at = ?"
		args = append(args, toNanos(*patch.StartedAt))
	}
	if patch.CompletedAt != nil {
		sets += ", completed_at = ?"
		args = append(args, toNanos(*patch.CompletedAt))
	}
	args = append(args, id)

	res, err := r.db.ExecContext(ctx, r.q(`UPDATE deployments SET `+sets+` WHERE id = ?`), args...)
	if err != nil {
		return nil, fmt.Errorf("patch deployment: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, fmt.Errorf("deployment %q: %w", id, errdefs.ErrNotFound)
	}
	return r.Get(ctx, id)
}

// Delete removes a deployment and, by cascade, its history.
func (r *DeploymentRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.q(`DELETE FROM deployments WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete deployment: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("deployment %q: %w", id, errdefs.ErrNotFound)
	}
	return nil
}

// FindByProjectID lists a project's deployments, newest first, with the total
// count before pagination. A zero Limit returns every match.
func (r *DeploymentRepo) FindByProjectID(ctx context.Context, filter models.DeploymentFilter) ([]*models.Deployment, int, error) {
	where := `project_id = ?`
	args := []any{filter.ProjectID}
	if filter.Status != "" {
		where += ` AND status = ?`
		args = append(args, string(filter.Status))
	}

	var total int
	if err := r.db.QueryRowContext(ctx, r.q(`SELECT COUNT(*) FROM deployments WHERE `+where), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count deployments: %w", err)
	}

	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE ` + where + ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}

	deployments, err := r.list(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return deployments, total, nil
}

// FindByServerID lists deployments targeting a server, newest first.
func (r *DeploymentRepo) FindByServerID(ctx context.Context, serverID string) ([]*models.Deployment, error) {
	return r.list(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE server_id = ? ORDER BY created_at DESC`, serverID)
}

// FindByClusterID lists deployments targeting a cluster, newest first.
func (r *DeploymentRepo) FindByClusterID(ctx context.Context, clusterID string) ([]*models.Deployment, error) {
	return r.list(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE cluster_id = ? ORDER BY created_at DESC`, clusterID)
}

// FindActiveDeployments lists pending and in-progress deployments, newest first.
func (r *DeploymentRepo) FindActiveDeployments(ctx context.Context) ([]*models.Deployment, error) {
	return r.list(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE status IN (?, ?) ORDER BY created_at DESC`,
		string(models.DeploymentStatusPending), string(models.DeploymentStatusInProgress))
}

// CountByProjectID counts every deployment of a project.
func (r *DeploymentRepo) CountByProjectID(ctx context.Context, projectID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, r.q(`SELECT COUNT(*) FROM deployments WHERE project_id = ?`), projectID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count deployments: %w", err)
	}
	return n, nil
}

func (r *DeploymentRepo) list(ctx context.Context, query string, args ...any) ([]*models.Deployment, error) {
	rows, err := r.db.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	deployments := []*models.Deployment{}
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDeployment(s scanner) (*models.Deployment, error) {
	var (
		d                               models.Deployment
		clusterID, serverID, jobID, cfg sql.NullString
		status, statuses, env           string
		startedAt, completedAt          sql.NullInt64
		createdAt, updatedAt            int64
	)
	err := s.Scan(&d.ID, &d.ProjectID, &clusterID, &serverID, &status, &statuses, &env, &cfg,
		&jobID, &startedAt, &completedAt, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan deployment: %w", err)
	}

	d.ClusterID = clusterID.String
	d.ServerID = serverID.String
	d.JobID = jobID.String
	d.Status = models.DeploymentStatus(status)
	d.StartedAt = timePtr(startedAt)
	d.CompletedAt = timePtr(completedAt)
	d.CreatedAt = fromNanos(createdAt)
	d.UpdatedAt = fromNanos(updatedAt)

	if err := json.Unmarshal([]byte(statuses), &d.ServiceStatuses); err != nil {
		return nil, fmt.Errorf("unmarshal service statuses: %w", err)
	}
	if err := json.Unmarshal([]byte(env), &d.EnvVars); err != nil {
		return nil, fmt.Errorf("unmarshal env vars: %w", err)
	}
	if cfg.Valid {
		d.Config = &models.DeploymentConfig{}
		if err := json.Unmarshal([]byte(cfg.String), d.Config); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	if d.ServiceStatuses == nil {
		d.ServiceStatuses = []models.ServiceDeploymentStatus{}
	}
	if d.EnvVars == nil {
		d.EnvVars = map[string]string{}
	}
	return &d, nil
}

func marshalDeployment(d *models.Deployment) (statuses, env string, cfg sql.NullString, err error) {
	ss := d.ServiceStatuses
	if ss == nil {
		ss = []models.ServiceDeploymentStatus{}
	}
	raw, err := json.Marshal(ss)
	if err != nil {
		return "", "", cfg, fmt.Errorf("marshal service statuses: %w", err)
	}
	statuses = string(raw)

	ev := d.EnvVars
	if ev == nil {
		ev = map[string]string{}
	}
	raw, err = json.Marshal(ev)
	if err != nil {
		return "", "", cfg, fmt.Errorf("marshal env vars: %w", err)
	}
	env = string(raw)

	if d.Config != nil {
		raw, err = json.Marshal(d.Config)
		if err != nil {
			return "", "", cfg, fmt.Errorf("marshal config: %w", err)
		}
		cfg = sql.NullString{String: string(raw), Valid: true}
	}
	return statuses, env, cfg, nil
}
