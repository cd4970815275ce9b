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

// HistoryRepository persists rollback snapshots.
type HistoryRepository interface {
	Create(ctx context.Context, h *models.DeploymentHistory) error
	Get(ctx context.Context, id string) (*models.DeploymentHistory, error)
	ListByDeploymentID(ctx context.Context, deploymentID string) ([]*models.DeploymentHistory, error)
	FindLatestByDeploymentID(ctx context.Context, deploymentID string) (*models.DeploymentHistory, error)
	FindByVersion(ctx context.Context, deploymentID, version string) (*models.DeploymentHistory, error)
	MarkRolledBack(ctx context.Context, id string) error
}

// HistoryRepo implements HistoryRepository on database/sql.
type HistoryRepo struct {
	db      *sql.DB
	dialect Dialect
}

const historyColumns = `id, deployment_id, deployment_snapshot, version, rolled_back, created_at`

// Create inserts a snapshot.
func (r *HistoryRepo) Create(ctx context.Context, h *models.DeploymentHistory) error {
	if h.ID == "" || h.DeploymentID == "" {
		return fmt.Errorf("history id and deployment id: %w", errdefs.ErrInvalidArgument)
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	snapshot, err := json.Marshal(h.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = r.db.ExecContext(ctx, rebind(r.dialect, `INSERT INTO deployment_history (`+historyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)`),
		h.ID, h.DeploymentID, string(snapshot), h.Version, h.RolledBack, toNanos(h.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("history %q: %w", h.ID, errdefs.ErrAlreadyExists)
		}
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

// Get loads a snapshot by id.
func (r *HistoryRepo) Get(ctx context.Context, id string) (*models.DeploymentHistory, error) {
	row := r.db.QueryRowContext(ctx, rebind(r.dialect, `SELECT `+historyColumns+` FROM deployment_history WHERE id = ?`), id)
	h, err := scanHistory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("history %q: %w", id, errdefs.ErrNotFound)
	}
	return h, err
}

// ListByDeploymentID lists every snapshot of a deployment, newest first.
func (r *HistoryRepo) ListByDeploymentID(ctx context.Context, deploymentID string) ([]*models.DeploymentHistory, error) {
	rows, err := r.db.QueryContext(ctx, rebind(r.dialect, `SELECT `+historyColumns+` FROM deployment_history
		WHERE deployment_id = ? ORDER BY created_at DESC`), deploymentID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	entries := []*models.DeploymentHistory{}
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, h)
	}
	return entries, rows.Err()
}

// FindLatestByDeploymentID returns the newest snapshot that has not been
// rolled back to yet.
func (r *HistoryRepo) FindLatestByDeploymentID(ctx context.Context, deploymentID string) (*models.DeploymentHistory, error) {
	row := r.db.QueryRowContext(ctx, rebind(r.dialect, `SELECT `+historyColumns+` FROM deployment_history
		WHERE deployment_id = ? AND rolled_back = ? ORDER BY created_at DESC LIMIT 1`), deploymentID, false)
	h, err := scanHistory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("history for deployment %q: %w", deploymentID, errdefs.ErrNotFound)
	}
	return h, err
}

// FindByVersion returns the snapshot of a deployment with the given version.
func (r *HistoryRepo) FindByVersion(ctx context.Context, deploymentID, version string) (*models.DeploymentHistory, error) {
	row := r.db.QueryRowContext(ctx, rebind(r.dialect, `SELECT `+historyColumns+` FROM deployment_history
		WHERE deployment_id = ? AND version = ? ORDER BY created_at DESC LIMIT 1`), deploymentID, version)
	h, err := scanHistory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("history %q version %q: %w", deploymentID, version, errdefs.ErrNotFound)
	}
	return h, err
}

// MarkRolledBack flags a snapshot as consumed by a rollback.
func (r *HistoryRepo) MarkRolledBack(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, rebind(r.dialect, `UPDATE deployment_history SET rolled_back = ? WHERE id = ?`), true, id)
	if err != nil {
		return fmt.Errorf("mark history rolled back: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("history %q: %w", id, errdefs.ErrNotFound)
	}
	return nil
}

func scanHistory(s scanner) (*models.DeploymentHistory, error) {
	var (
		h         models.DeploymentHistory
		snapshot  string
		createdAt int64
	)
	if err := s.Scan(&h.ID, &h.DeploymentID, &snapshot, &h.Version, &h.RolledBack, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan history: %w", err)
	}
	if err := json.Unmarshal([]byte(snapshot), &h.Snapshot); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	h.CreatedAt = fromNanos(createdAt)
	return &h, nil
}
