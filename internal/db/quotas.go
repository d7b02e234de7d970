package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/stayreel/renderpipe/internal/models"
)

// ErrQuotaExhausted is returned when a submitter's monthly allowance is
// used up. Validation treats it as a permanent failure.
var ErrQuotaExhausted = fmt.Errorf("monthly quota exhausted")

// ConsumeMonthlyQuota atomically checks and increments the submitter's
// counter for the given month ("2006-01" format). A single statement
// performs the read-then-write so concurrent admissions for the same
// submitter cannot double-spend the last unit.
func (db *DB) ConsumeMonthlyQuota(ctx context.Context, submitterID uuid.UUID, month string, limit int) (used int, err error) {
	query := `
		INSERT INTO monthly_quotas (submitter_id, month, used, limit_value)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (submitter_id, month)
		DO UPDATE SET used = monthly_quotas.used + 1
		WHERE monthly_quotas.used < monthly_quotas.limit_value
		RETURNING used
	`

	err = db.QueryRowContext(ctx, query, submitterID, month, limit).Scan(&used)
	if err == sql.ErrNoRows {
		return 0, ErrQuotaExhausted
	}
	if err != nil {
		return 0, fmt.Errorf("failed to consume quota: %w", err)
	}
	return used, nil
}

func (db *DB) GetMonthlyQuota(ctx context.Context, submitterID uuid.UUID, month string) (*models.MonthlyQuota, error) {
	query := `
		SELECT submitter_id, month, used, limit_value
		FROM monthly_quotas
		WHERE submitter_id = $1 AND month = $2
	`

	q := &models.MonthlyQuota{}
	err := db.QueryRowContext(ctx, query, submitterID, month).Scan(
		&q.SubmitterID, &q.Month, &q.Used, &q.Limit,
	)

	if err == sql.ErrNoRows {
		return nil, nil // no usage yet this month
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quota: %w", err)
	}

	return q, nil
}
