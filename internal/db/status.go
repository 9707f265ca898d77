package db

import (
	"context"
	"fmt"

	"github.com/raphaelgruber/mediaflow/internal/models"
)

// AppendStatus stores one status event and returns it with its record id.
func (c *Client) AppendStatus(ctx context.Context, rec models.StatusRecord) (*models.StatusRecord, error) {
	rec.ID = nil
	rows, err := query[models.StatusRecord](ctx, c, `CREATE status_event CONTENT $rec RETURN AFTER`,
		map[string]any{"rec": rec})
	if err != nil {
		return nil, fmt.Errorf("append status: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("append status: no result returned")
	}
	return &rows[0], nil
}

// LoadStatus returns status events newest first. An empty jobID returns every event.
func (c *Client) LoadStatus(ctx context.Context, jobID string) ([]models.StatusRecord, error) {
	sql := `SELECT * FROM status_event ORDER BY time DESC`
	vars := map[string]any{}
	if jobID != "" {
		sql = `SELECT * FROM status_event WHERE job_id = $job_id ORDER BY time DESC`
		vars["job_id"] = jobID
	}

	rows, err := query[models.StatusRecord](ctx, c, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("load status: %w", err)
	}
	if rows == nil {
		return []models.StatusRecord{}, nil
	}
	return rows, nil
}

// ClearStatus deletes every status event and returns how many were deleted.
func (c *Client) ClearStatus(ctx context.Context) (int, error) {
	// RETURN BEFORE yields the deleted rows so they can be counted
	rows, err := query[models.StatusRecord](ctx, c, `DELETE status_event RETURN BEFORE`, nil)
	if err != nil {
		return 0, fmt.Errorf("clear status: %w", err)
	}
	return len(rows), nil
}
