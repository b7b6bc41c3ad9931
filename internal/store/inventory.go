package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"catalog-pipeline/internal/apperr"
	"catalog-pipeline/internal/catalog"
	"catalog-pipeline/internal/models"
)

const maxCandidateRows = 200

var inventoryColumns = []string{
	"id::text", "tenant_id", "title", "subtitle", "authors", "publisher", "year", "edition_statement",
	"dust_jacket", "isbn", "quantity", "source_job_id::text", "created_at", "updated_at",
}

// FindCandidates loads inventory records that could match md: same ISBN, or a
// title sharing the first normalised word. Ranking happens in catalog.Rank.
func (s *Store) FindCandidates(ctx context.Context, tenantID string, md models.Metadata) ([]models.InventoryRecord, error) {
	query, args, ok, err := buildFindCandidates(s.sb, tenantID, md)
	if err != nil || !ok {
		return nil, err
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find candidates: %w", err)
	}
	defer rows.Close()

	var out []models.InventoryRecord
	for rows.Next() {
		rec, err := scanInventory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// buildFindCandidates orders rows by match tier before the row cap so an ISBN
// or exact-title record is never cut off by a crowd of same-prefix titles.
func buildFindCandidates(sb sq.StatementBuilderType, tenantID string, md models.Metadata) (string, []any, bool, error) {
	var (
		match   sq.Or
		order   []string
		orderBy []any
	)
	if isbn := catalog.NormalizeISBN(md.ISBN); isbn != "" {
		match = append(match, sq.Eq{"isbn": isbn})
		order = append(order, "(isbn = ?) DESC")
		orderBy = append(orderBy, isbn)
	}
	if key := catalog.TitleKey(md.Title); key != "" {
		match = append(match, sq.Like{"title_key": catalog.SearchPrefix(key) + "%"})
		order = append(order, "(title_key = ?) DESC")
		orderBy = append(orderBy, key)
	}
	if len(match) == 0 {
		return "", nil, false, nil
	}
	order = append(order, "id")
	query, args, err := sb.Select(inventoryColumns...).
		From("inventory_records").
		Where(sq.Eq{"tenant_id": tenantID}).
		Where(match).
		OrderByClause(strings.Join(order, ", "), orderBy...).
		Limit(maxCandidateRows).
		ToSql()
	if err != nil {
		return "", nil, false, fmt.Errorf("build find candidates sql: %w", err)
	}
	return query, args, true, nil
}

func (t *pgJobTx) LockInventoryRecord(ctx context.Context, tenantID, id string) (models.InventoryRecord, error) {
	query, args, err := t.sb.Select(inventoryColumns...).
		From("inventory_records").
		Where(sq.Eq{"id": id, "tenant_id": tenantID}).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return models.InventoryRecord{}, fmt.Errorf("build lock inventory sql: %w", err)
	}
	rec, err := scanInventory(t.tx.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.InventoryRecord{}, apperr.NotFound("inventory record %s not found", id)
	}
	return rec, err
}

func (t *pgJobTx) InsertInventoryRecord(ctx context.Context, rec models.InventoryRecord) error {
	authors := rec.Authors
	if authors == nil {
		authors = []string{}
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO inventory_records (id, tenant_id, title, title_key, subtitle, authors, publisher, year,
			edition_statement, dust_jacket, isbn, quantity, source_job_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, rec.ID, rec.TenantID, rec.Title, catalog.TitleKey(rec.Title), rec.Subtitle, authors, rec.Publisher, rec.Year,
		rec.EditionStatement, rec.DustJacket, catalog.NormalizeISBN(rec.ISBN), rec.Quantity, rec.SourceJobID,
		rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert inventory record: %w", err)
	}
	return nil
}

func (t *pgJobTx) IncrementInventoryQuantity(ctx context.Context, tenantID, id string) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE inventory_records SET quantity = quantity + 1, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)
	if err != nil {
		return fmt.Errorf("increment inventory quantity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("inventory record %s not found", id)
	}
	return nil
}

func scanInventory(row pgx.Row) (models.InventoryRecord, error) {
	var (
		rec    models.InventoryRecord
		source pgtype.Text
	)
	if err := row.Scan(&rec.ID, &rec.TenantID, &rec.Title, &rec.Subtitle, &rec.Authors, &rec.Publisher, &rec.Year,
		&rec.EditionStatement, &rec.DustJacket, &rec.ISBN, &rec.Quantity, &source, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.InventoryRecord{}, err
		}
		return models.InventoryRecord{}, fmt.Errorf("scan inventory record: %w", err)
	}
	rec.SourceJobID = textPtr(source)
	return rec, nil
}
