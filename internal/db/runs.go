package db

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/surrealdb/surrealdb.go"

	"github.com/raphaelgruber/trainwatch/internal/models"
)

// Run statuses stored in training_run.status.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// CreateRun inserts a pending run record keyed by id.
func (c *Client) CreateRun(ctx context.Context, id, name string, epochs int, params map[string]any) (err error) {
	defer c.timed(time.Now(), &err)

	if params == nil {
		params = map[string]any{}
	}
	_, err = surrealdb.Query[any](ctx, c.db, `
		CREATE type::record("training_run", $id) SET
			name = $name,
			status = $status,
			epochs = $epochs,
			epoch = 0,
			params = $params,
			started_at = time::now()
	`, map[string]any{
		"id":     id,
		"name":   name,
		"status": StatusPending,
		"epochs": epochs,
		"params": params,
	})
	if err != nil {
		return fmt.Errorf("create run: %w", wrapQueryError(err))
	}
	return nil
}

// UpdateRunStatus sets the status of a run.
func (c *Client) UpdateRunStatus(ctx context.Context, id, status string) (err error) {
	defer c.timed(time.Now(), &err)

	_, err = surrealdb.Query[any](ctx, c.db, `
		UPDATE type::record("training_run", $id) SET status = $status
	`, map[string]any{"id": id, "status": status})
	if err != nil {
		return fmt.Errorf("update run status: %w", wrapQueryError(err))
	}
	return nil
}

// UpdateRunProgress stores the number of completed epochs and the latest metrics.
func (c *Client) UpdateRunProgress(ctx context.Context, id string, epoch int, metrics map[string]float64) (err error) {
	defer c.timed(time.Now(), &err)

	_, err = surrealdb.Query[any](ctx, c.db, `
		UPDATE type::record("training_run", $id) SET
			status = $status,
			epoch = $epoch,
			metrics = $metrics
	`, map[string]any{
		"id":      id,
		"status":  StatusRunning,
		"epoch":   epoch,
		"metrics": metrics,
	})
	if err != nil {
		return fmt.Errorf("update run progress: %w", wrapQueryError(err))
	}
	return nil
}

// RunOutcome carries the final state of a run.
type RunOutcome struct {
	Epoch       int
	Metrics     map[string]float64
	LogPath     string
	WeightsPath string
	Error       string // set for failed runs
	SaveError   string // set when a successful run could not save weights
}

// CompleteRun marks a run completed.
func (c *Client) CompleteRun(ctx context.Context, id string, out RunOutcome) error {
	return c.finishRun(ctx, id, StatusCompleted, out)
}

// FailRun marks a run failed.
func (c *Client) FailRun(ctx context.Context, id string, out RunOutcome) error {
	return c.finishRun(ctx, id, StatusFailed, out)
}

func (c *Client) finishRun(ctx context.Context, id, status string, out RunOutcome) (err error) {
	defer c.timed(time.Now(), &err)

	sets := []string{"status = $status", "epoch = $epoch", "completed_at = time::now()"}
	vars := map[string]any{"id": id, "status": status, "epoch": out.Epoch}
	if out.Metrics != nil {
		sets = append(sets, "metrics = $metrics")
		vars["metrics"] = out.Metrics
	}
	// option<string> fields take NONE, not NULL, so unset ones are skipped
	for field, value := range map[string]string{
		"log_path":     out.LogPath,
		"weights_path": out.WeightsPath,
		"error":        out.Error,
		"save_error":   out.SaveError,
	} {
		if value != "" {
			sets = append(sets, field+" = $"+field)
			vars[field] = value
		}
	}
	slices.Sort(sets)

	sql := fmt.Sprintf(`UPDATE type::record("training_run", $id) SET %s`, strings.Join(sets, ", "))
	if _, err = surrealdb.Query[any](ctx, c.db, sql, vars); err != nil {
		return fmt.Errorf("finish run: %w", wrapQueryError(err))
	}
	return nil
}

// GetRun returns a run by id, or ErrNotFound.
func (c *Client) GetRun(ctx context.Context, id string) (_ *models.TrainingRun, err error) {
	defer c.timed(time.Now(), &err)

	results, err := surrealdb.Query[[]models.TrainingRun](ctx, c.db, `
		SELECT * FROM type::record("training_run", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &(*results)[0].Result[0], nil
}

// ListRuns returns the most recent runs first. A non-empty status filters.
func (c *Client) ListRuns(ctx context.Context, status string, limit int) (_ []models.TrainingRun, err error) {
	defer c.timed(time.Now(), &err)

	where := ""
	vars := map[string]any{"limit": limit}
	if status != "" {
		where = "WHERE status = $status"
		vars["status"] = status
	}

	sql := fmt.Sprintf(`
		SELECT * FROM training_run %s
		ORDER BY started_at DESC
		LIMIT $limit
	`, where)

	results, err := surrealdb.Query[[]models.TrainingRun](ctx, c.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	if results == nil || len(*results) == 0 {
		return []models.TrainingRun{}, nil
	}
	return (*results)[0].Result, nil
}

// GetIncompleteRuns returns runs still marked pending or running.
func (c *Client) GetIncompleteRuns(ctx context.Context) (_ []models.TrainingRun, err error) {
	defer c.timed(time.Now(), &err)

	results, err := surrealdb.Query[[]models.TrainingRun](ctx, c.db, `
		SELECT * FROM training_run WHERE status IN [$pending, $running]
	`, map[string]any{"pending": StatusPending, "running": StatusRunning})
	if err != nil {
		return nil, fmt.Errorf("get incomplete runs: %w", err)
	}

	if results == nil || len(*results) == 0 {
		return []models.TrainingRun{}, nil
	}
	return (*results)[0].Result, nil
}

