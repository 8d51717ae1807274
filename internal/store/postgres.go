package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quickreply/quickreply/internal/template"
	"github.com/quickreply/quickreply/pkg/postgres"
)

// The payload column is json, not jsonb: jsonb reorders object keys and
// category order lives in key order.
const schema = `CREATE TABLE IF NOT EXISTS template_documents (
	category_type TEXT PRIMARY KEY,
	payload       JSON NOT NULL,
	revision      BIGINT NOT NULL DEFAULT 1,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const (
	selectDocument = `SELECT payload FROM template_documents WHERE category_type = $1`
	renameDocument = `UPDATE template_documents SET category_type = $2 WHERE category_type = $1`
	upsertDocument = `INSERT INTO template_documents (category_type, payload)
VALUES ($1, $2)
ON CONFLICT (category_type) DO UPDATE
SET payload = EXCLUDED.payload,
    revision = template_documents.revision + 1,
    updated_at = now()`
)

// PostgresPersister stores one row per category type.
type PostgresPersister struct {
	client *postgres.Client
	logger *slog.Logger
}

func NewPostgresPersister(client *postgres.Client) *PostgresPersister {
	return &PostgresPersister{
		client: client,
		logger: slog.Default().With("component", "postgres-persister"),
	}
}

// Migrate creates the documents table if it does not exist.
func (p *PostgresPersister) Migrate(ctx context.Context) error {
	if _, err := p.client.DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating template_documents: %w", err)
	}
	p.logger.Info("template_documents schema ready")
	return nil
}

func (p *PostgresPersister) Load(ctx context.Context, categoryType string) (template.Snapshot, error) {
	var payload []byte
	err := p.client.DB.QueryRowContext(ctx, selectDocument, categoryType).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return template.Snapshot{}, ErrNoDocument
	}
	if err != nil {
		return template.Snapshot{}, fmt.Errorf("querying %s templates: %w", categoryType, err)
	}
	var snapshot template.Snapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return template.Snapshot{}, fmt.Errorf("%w: %s row: %v", ErrCorrupt, categoryType, err)
	}
	return snapshot, nil
}

func (p *PostgresPersister) Save(ctx context.Context, categoryType string, snapshot template.Snapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encoding %s templates: %w", categoryType, err)
	}
	return p.client.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, upsertDocument, categoryType, string(payload)); err != nil {
			return fmt.Errorf("upserting %s templates: %w", categoryType, err)
		}
		return nil
	})
}

// Quarantine moves the row of a category type to the key
// <type>.corrupt-<unix> and returns that key.
func (p *PostgresPersister) Quarantine(ctx context.Context, categoryType string) (string, error) {
	aside := fmt.Sprintf("%s.corrupt-%d", categoryType, time.Now().Unix())
	if _, err := p.client.DB.ExecContext(ctx, renameDocument, categoryType, aside); err != nil {
		return "", fmt.Errorf("moving %s row aside: %w", categoryType, err)
	}
	return aside, nil
}
