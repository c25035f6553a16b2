package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantrail/tradeguard/internal/domain"
)

// AlertStore implements domain.AlertStore using PostgreSQL. The table is
// append-only; rows are never mutated.
type AlertStore struct {
	pool *pgxpool.Pool
}

// NewAlertStore creates an AlertStore backed by the given pool.
func NewAlertStore(pool *pgxpool.Pool) *AlertStore {
	return &AlertStore{pool: pool}
}

const alertCols = `id, account_id, risk_type, current_value, threshold_value,
	severity, message, created_at`

func scanAlerts(rows pgx.Rows) ([]domain.RiskAlert, error) {
	var alerts []domain.RiskAlert
	for rows.Next() {
		var a domain.RiskAlert
		var riskType, severity string
		if err := rows.Scan(&a.ID, &a.AccountID, &riskType, &a.CurrentValue,
			&a.ThresholdValue, &severity, &a.Message, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.RiskType = domain.RiskType(riskType)
		a.Severity = domain.Severity(severity)
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// Append inserts one alert and returns it with the assigned id.
func (s *AlertStore) Append(ctx context.Context, alert domain.RiskAlert) (domain.RiskAlert, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO risk_alerts (account_id, risk_type, current_value, threshold_value, severity, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		alert.AccountID, string(alert.RiskType), alert.CurrentValue,
		alert.ThresholdValue, string(alert.Severity), alert.Message, alert.CreatedAt,
	).Scan(&alert.ID)
	if err != nil {
		return domain.RiskAlert{}, fmt.Errorf("postgres: append alert: %w", err)
	}
	return alert, nil
}

// ListByAccount returns alerts for an account, newest first.
func (s *AlertStore) ListByAccount(ctx context.Context, accountID string, opts domain.ListOpts) ([]domain.RiskAlert, error) {
	query := `SELECT ` + alertCols + ` FROM risk_alerts WHERE account_id = $1`
	args := []any{accountID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list alerts %s: %w", accountID, err)
	}
	defer rows.Close()
	return scanAlerts(rows)
}

// ListOlderThan returns up to limit alerts older than cutoff, oldest first.
// The archiver drains aged rows in batches with it.
func (s *AlertStore) ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]domain.RiskAlert, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+alertCols+` FROM risk_alerts
		WHERE created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list aged alerts: %w", err)
	}
	defer rows.Close()
	return scanAlerts(rows)
}

// DeleteOlderThan removes alerts older than cutoff, returning the count.
func (s *AlertStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM risk_alerts WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete aged alerts: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ domain.AlertStore = (*AlertStore)(nil)
