package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/stayreel/renderpipe/internal/models"
)

// ErrTemplateNotFound distinguishes a missing template from a query
// failure so validation can treat it as a permanent rejection.
var ErrTemplateNotFound = fmt.Errorf("template not found")

func (db *DB) GetTemplate(ctx context.Context, id uuid.UUID) (*models.Template, error) {
	query := `
		SELECT id, name, prompt_skeleton, active, created_at, updated_at
		FROM templates
		WHERE id = $1
	`

	tpl := &models.Template{}
	err := db.QueryRowContext(ctx, query, id).Scan(
		&tpl.ID, &tpl.Name, &tpl.PromptSkeleton, &tpl.Active,
		&tpl.CreatedAt, &tpl.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}

	return tpl, nil
}
