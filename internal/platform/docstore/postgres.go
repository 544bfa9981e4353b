package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/carecore/internal/platform/db"
)

var _ Store = (*Postgres)(nil)

const pgUniqueViolation = "23505"

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres stores documents as JSONB rows in tenant_<id>.documents. The
// schema comes from the migrations package; the unique index on
// (type, doc->>'code') is what turns an allocation race into ErrDuplicateKey.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (s *Postgres) table(ctx context.Context) (string, error) {
	tid := db.TenantOrDefault(ctx)
	if !db.ValidTenantID(tid) {
		return "", fmt.Errorf("invalid tenant identifier: %s", tid)
	}
	return db.SchemaName(tid) + ".documents", nil
}

// whereClause renders filter as SQL conditions appended to args. Equality
// is expressed as JSONB containment so array fields match on any element.
func whereClause(filter Filter, args []any) (string, []any, error) {
	nf, err := filter.normalized()
	if err != nil {
		return "", nil, err
	}
	var conds []string
	for _, path := range sortedKeys(nf) {
		want := nf[path]
		parts := splitPath(path)
		if want == nil {
			args = append(args, parts)
			n := len(args)
			conds = append(conds, fmt.Sprintf("(doc #> $%d::text[] IS NULL OR doc #> $%d::text[] = 'null'::jsonb)", n, n))
			continue
		}
		scalar, err := json.Marshal(nest(parts, want))
		if err != nil {
			return "", nil, err
		}
		element, err := json.Marshal(nest(parts, []any{want}))
		if err != nil {
			return "", nil, err
		}
		args = append(args, string(scalar), string(element))
		conds = append(conds, fmt.Sprintf("(doc @> $%d::jsonb OR doc @> $%d::jsonb)", len(args)-1, len(args)))
	}
	if len(conds) == 0 {
		return "", args, nil
	}
	return " AND " + strings.Join(conds, " AND "), args, nil
}

func nest(parts []string, v any) any {
	for i := len(parts) - 1; i >= 0; i-- {
		v = map[string]any{parts[i]: v}
	}
	return v
}

func orderClause(sorts []Sort, args []any) (string, []any) {
	var terms []string
	for _, s := range sorts {
		args = append(args, splitPath(s.Field))
		dir := "ASC NULLS FIRST"
		if s.Desc {
			dir = "DESC NULLS LAST"
		}
		terms = append(terms, fmt.Sprintf(`(doc #>> $%d::text[]) COLLATE "C" %s`, len(args), dir))
	}
	terms = append(terms, `id COLLATE "C" ASC`)
	return " ORDER BY " + strings.Join(terms, ", "), args
}

func scanDoc(row pgx.Row) (Document, error) {
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	return doc, nil
}

func (s *Postgres) FindByID(ctx context.Context, docType, id string) (Document, error) {
	table, err := s.table(ctx)
	if err != nil {
		return nil, err
	}
	return scanDoc(s.pool.QueryRow(ctx,
		`SELECT doc FROM `+table+` WHERE type = $1 AND id = $2`, docType, id))
}

func (s *Postgres) FindOne(ctx context.Context, docType string, filter Filter, opts FindOptions) (Document, error) {
	opts.Limit = 1
	docs, err := s.Find(ctx, docType, filter, opts)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	return docs[0], nil
}

func (s *Postgres) Find(ctx context.Context, docType string, filter Filter, opts FindOptions) ([]Document, error) {
	table, err := s.table(ctx)
	if err != nil {
		return nil, err
	}
	where, args, err := whereClause(filter, []any{docType})
	if err != nil {
		return nil, fmt.Errorf("postgres find %s: %w", docType, err)
	}
	order, args := orderClause(opts.Sort, args)

	query := `SELECT doc FROM ` + table + ` WHERE type = $1` + where + order
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres find %s: %w", docType, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanDoc(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *Postgres) Insert(ctx context.Context, docType string, doc Document) error {
	table, err := s.table(ctx)
	if err != nil {
		return err
	}
	if doc.ID() == "" {
		doc[IDField] = NewID()
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+table+` (type, id, doc) VALUES ($1, $2, $3::jsonb)`,
		docType, doc.ID(), string(raw))
	return translatePG(err, docType)
}

func translatePG(err error, docType string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s (%s)", ErrDuplicateKey, docType, pgErr.ConstraintName)
	}
	return err
}

// UpdateByID locks the row, applies the patch and writes the document back
// inside one transaction, so concurrent patches to the same document
// serialize.
func (s *Postgres) UpdateByID(ctx context.Context, docType, id string, patch Patch) error {
	table, err := s.table(ctx)
	if err != nil {
		return err
	}
	np, err := patch.normalized()
	if err != nil {
		return fmt.Errorf("postgres update %s: %w", docType, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := updateInTx(ctx, tx, table, docType, id, np); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func updateInTx(ctx context.Context, q querier, table, docType, id string, np Patch) error {
	doc, err := scanDoc(q.QueryRow(ctx,
		`SELECT doc FROM `+table+` WHERE type = $1 AND id = $2 FOR UPDATE`, docType, id))
	if err != nil {
		return err
	}
	if err := doc.applyPatch(np); err != nil {
		return fmt.Errorf("postgres update %s/%s: %w", docType, id, err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	_, err = q.Exec(ctx,
		`UPDATE `+table+` SET doc = $3::jsonb, updated_at = NOW() WHERE type = $1 AND id = $2`,
		docType, id, string(raw))
	return translatePG(err, docType)
}

func (s *Postgres) CountWhere(ctx context.Context, docType string, filter Filter) (int64, error) {
	table, err := s.table(ctx)
	if err != nil {
		return 0, err
	}
	where, args, err := whereClause(filter, []any{docType})
	if err != nil {
		return 0, fmt.Errorf("postgres count %s: %w", docType, err)
	}
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM `+table+` WHERE type = $1`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres count %s: %w", docType, err)
	}
	return n, nil
}

func (s *Postgres) DeleteByID(ctx context.Context, docType, id string) error {
	table, err := s.table(ctx)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+table+` WHERE type = $1 AND id = $2`, docType, id)
	if err != nil {
		return fmt.Errorf("postgres delete %s: %w", docType, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// EnsureIndexes is a no-op: indexes are part of the tenant migrations.
func (s *Postgres) EnsureIndexes(context.Context, ...string) error { return nil }

func (s *Postgres) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Postgres) Close(context.Context) error {
	s.pool.Close()
	return nil
}
