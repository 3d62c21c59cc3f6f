package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"sceneetl/internal/storage"
	"sceneetl/pkg/records"
)

// SQLSTATE codes the gateway branches on.
const (
	codeUndefinedTable = "42P01"
)

/*
Gateway implements storage.Gateway for Postgres.

It provides:
  - Batched value -> id lookups over chunked IN (...) lists
  - Batched key -> row lookups for cross references
  - Create-if-missing plus append persistence through COPY

A missing table is reported by Postgres as SQLSTATE 42P01; lookups turn that
into an empty result.
*/
type Gateway struct {
	pool *pgxpool.Pool
	log  storage.Logger
}

// Open creates a Postgres-backed Gateway and verifies connectivity.
func Open(ctx context.Context, cfg storage.Config) (storage.Gateway, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Gateway{pool: pool, log: cfg.Logger}, nil
}

// Close closes the connection pool.
func (g *Gateway) Close() {
	g.pool.Close()
}

// LookupValues implements storage.Gateway.
func (g *Gateway) LookupValues(ctx context.Context, table, valueColumn, idColumn string, values []string) (map[string]string, error) {
	if len(values) == 0 {
		return map[string]string{}, nil
	}
	if table == "" || valueColumn == "" || idColumn == "" {
		return nil, fmt.Errorf("LookupValues: table, valueColumn, idColumn are required")
	}

	out := make(map[string]string, len(values))
	for _, w := range storage.Chunks(len(values), storage.LookupChunkSize) {
		sql, args := buildLookupSQL(table, []string{valueColumn, idColumn}, valueColumn, values[w[0]:w[1]])

		rows, err := g.pool.Query(ctx, sql, args...)
		if err != nil {
			if isUndefinedTable(err) {
				return map[string]string{}, nil
			}
			return nil, fmt.Errorf("LookupValues: query %s: %w", table, err)
		}

		for rows.Next() {
			var v, id any
			if err := rows.Scan(&v, &id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("LookupValues: scan %s: %w", table, err)
			}
			if id == nil {
				continue
			}
			out[storage.NormalizeKey(v)] = storage.NormalizeKey(id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			if isUndefinedTable(err) {
				return map[string]string{}, nil
			}
			return nil, fmt.Errorf("LookupValues: rows %s: %w", table, err)
		}
	}
	return out, nil
}

// LookupRelated implements storage.Gateway.
func (g *Gateway) LookupRelated(ctx context.Context, table, keyColumn string, keys []string) (map[string]records.Record, error) {
	if len(keys) == 0 {
		return map[string]records.Record{}, nil
	}
	if table == "" || keyColumn == "" {
		return nil, fmt.Errorf("LookupRelated: table and keyColumn are required")
	}

	out := make(map[string]records.Record, len(keys))
	for _, w := range storage.Chunks(len(keys), storage.LookupChunkSize) {
		sql, args := buildLookupSQL(table, nil, keyColumn, keys[w[0]:w[1]])

		rows, err := g.pool.Query(ctx, sql, args...)
		if err != nil {
			if isUndefinedTable(err) {
				return map[string]records.Record{}, nil
			}
			return nil, fmt.Errorf("LookupRelated: query %s: %w", table, err)
		}

		fields := rows.FieldDescriptions()
		for rows.Next() {
			vals, err := rows.Values()
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("LookupRelated: scan %s: %w", table, err)
			}
			rec := make(records.Record, len(vals))
			var key string
			for i, f := range fields {
				rec[f.Name] = vals[i]
				if f.Name == keyColumn {
					key = storage.NormalizeKey(vals[i])
				}
			}
			// First row per key wins, matching a first() on the source query.
			if _, dup := out[key]; !dup {
				out[key] = rec
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			if isUndefinedTable(err) {
				return map[string]records.Record{}, nil
			}
			return nil, fmt.Errorf("LookupRelated: rows %s: %w", table, err)
		}
	}
	return out, nil
}

// Persist implements storage.Gateway.
//
// The table is created with CREATE TABLE IF NOT EXISTS from the inferred row
// shape when information_schema has no columns for it. Rows are then
// reindexed to the table's columns and written with COPY.
func (g *Gateway) Persist(ctx context.Context, table string, rows []records.Record) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	columns, err := g.tableColumns(ctx, table)
	if err != nil {
		return 0, err
	}

	if len(columns) == 0 {
		spec := storage.InferColumns(rows)
		schemaSQL, createSQL := buildCreateSQL(table, spec)
		if schemaSQL != "" {
			if _, err := g.pool.Exec(ctx, schemaSQL); err != nil {
				return 0, fmt.Errorf("Persist: create schema for %s: %w", table, err)
			}
		}
		if _, err := g.pool.Exec(ctx, createSQL); err != nil {
			return 0, fmt.Errorf("Persist: create %s: %w", table, err)
		}
		storage.Printf(g.log, "stage=persist table=%s created=true columns=%d", table, len(spec))
		columns = spec
	}

	names := storage.ColumnNames(columns)
	vals, dropped := storage.Reindex(rows, names)
	if len(dropped) > 0 {
		storage.Printf(g.log, "stage=persist table=%s dropped_columns=%s", table, strings.Join(dropped, ","))
	}
	storage.Coerce(vals, columns)

	n, err := g.pool.CopyFrom(ctx, tableIdentifier(table), names, pgx.CopyFromRows(vals))
	if err != nil {
		return n, fmt.Errorf("Persist: copy into %s: %w", table, err)
	}
	return n, nil
}

// tableColumns returns the columns of table in ordinal order, or nil when the
// table does not exist.
func (g *Gateway) tableColumns(ctx context.Context, table string) ([]storage.ColumnSpec, error) {
	schema, name := splitQualifiedName(table)

	rows, err := g.pool.Query(ctx, columnsSQL, schema, name)
	if err != nil {
		return nil, fmt.Errorf("Persist: inspect %s: %w", table, err)
	}
	defer rows.Close()

	var out []storage.ColumnSpec
	for rows.Next() {
		var c, dataType string
		if err := rows.Scan(&c, &dataType); err != nil {
			return nil, fmt.Errorf("Persist: inspect %s: %w", table, err)
		}
		out = append(out, storage.ColumnSpec{Name: c, Kind: kindFromDataType(dataType)})
	}
	return out, rows.Err()
}

// kindFromDataType maps information_schema.columns.data_type back to a
// ColumnKind so rows can be coerced before COPY.
func kindFromDataType(dataType string) storage.ColumnKind {
	switch strings.ToLower(dataType) {
	case "array":
		return storage.KindTextList
	case "bigint", "integer", "smallint":
		return storage.KindInteger
	case "boolean":
		return storage.KindBoolean
	case "double precision", "real", "numeric":
		return storage.KindFloat
	default:
		return storage.KindText
	}
}

const columnsSQL = `SELECT column_name, data_type
FROM information_schema.columns
WHERE table_schema = COALESCE(NULLIF($1, ''), current_schema())
  AND table_name = $2
ORDER BY ordinal_position`

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUndefinedTable
}

// buildLookupSQL builds SELECT <cols> FROM <table> WHERE <keyColumn> IN ($1..$n).
// A nil cols selects every column.
//
// It is pure and deterministic, so placeholder numbering and quoting are
// unit tested without a database.
func buildLookupSQL(table string, cols []string, keyColumn string, keys []string) (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT ")
	if len(cols) == 0 {
		b.WriteString("*")
	}
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(" FROM ")
	b.WriteString(pgTableIdent(table))
	b.WriteString(" WHERE ")
	b.WriteString(pgIdent(keyColumn))
	b.WriteString(" IN (")

	args := make([]any, 0, len(keys))
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(fmt.Sprintf("$%d", i+1))
		args = append(args, k)
	}
	b.WriteString(")")
	return b.String(), args
}

// buildCreateSQL builds DDL for a table inferred from row shape. schemaSQL is
// non-empty only for schema-qualified names.
func buildCreateSQL(table string, cols []storage.ColumnSpec) (schemaSQL, createSQL string) {
	schema, _ := splitQualifiedName(table)
	if schema != "" {
		schemaSQL = fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;`, pgIdent(schema))
	}

	defs := make([]string, 0, len(cols))
	for _, c := range cols {
		defs = append(defs, pgIdent(c.Name)+" "+pgType(c.Kind))
	}
	createSQL = fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);",
		pgTableIdent(table), strings.Join(defs, ",\n  "))
	return schemaSQL, createSQL
}

func pgType(k storage.ColumnKind) string {
	switch k {
	case storage.KindTextList:
		return "TEXT[]"
	case storage.KindInteger:
		return "BIGINT"
	case storage.KindBoolean:
		return "BOOLEAN"
	case storage.KindFloat:
		return "DOUBLE PRECISION"
	default:
		return "TEXT"
	}
}

// pgIdent double-quotes an identifier, escaping embedded quotes.
func pgIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// pgTableIdent quotes each part of a possibly schema-qualified table name.
func pgTableIdent(table string) string {
	schema, name := splitQualifiedName(table)
	if schema == "" {
		return pgIdent(name)
	}
	return pgIdent(schema) + "." + pgIdent(name)
}

func tableIdentifier(table string) pgx.Identifier {
	schema, name := splitQualifiedName(table)
	if schema == "" {
		return pgx.Identifier{name}
	}
	return pgx.Identifier{schema, name}
}

// splitQualifiedName splits "schema.table". Names without exactly one dot are
// returned as the table part.
func splitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

var _ storage.Gateway = (*Gateway)(nil)
