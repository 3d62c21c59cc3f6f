package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	mssqldb "github.com/microsoft/go-mssqldb"

	"sceneetl/internal/storage"
	"sceneetl/pkg/records"
)

const (
	// errInvalidObjectName is SQL Server error 208, raised for a missing table.
	errInvalidObjectName = 208

	// maxParams stays under the 2100 parameter limit per statement.
	maxParams = 2000

	// maxValuesRows is the SQL Server limit on rows in one VALUES list.
	maxValuesRows = 1000
)

// Gateway implements storage.Gateway for Microsoft SQL Server.
//
// This implementation supports:
//   - Batched value and cross-reference lookups with @pN placeholders.
//   - Create-if-missing through an OBJECT_ID guard.
//   - Appends as multi-row INSERT ... VALUES statements inside one transaction.
//
// Lists are stored as JSON in NVARCHAR(MAX) columns.
type Gateway struct {
	db  dbConn
	log storage.Logger
}

// Open constructs a Gateway using database/sql and the "sqlserver" driver
// registered by github.com/microsoft/go-mssqldb.
//
// This method validates connectivity via PingContext.
func Open(ctx context.Context, cfg storage.Config) (storage.Gateway, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}

	raw.SetMaxOpenConns(8)
	raw.SetMaxIdleConns(8)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &Gateway{db: &sqlDB{db: raw}, log: cfg.Logger}, nil
}

func init() {
	storage.Register("mssql", Open)
}

// Close releases database resources held by this gateway.
func (g *Gateway) Close() {
	if g == nil || g.db == nil {
		return
	}
	_ = g.db.Close()
}

// LookupValues implements storage.Gateway.
func (g *Gateway) LookupValues(ctx context.Context, table, valueColumn, idColumn string, values []string) (map[string]string, error) {
	if len(values) == 0 {
		return map[string]string{}, nil
	}

	out := make(map[string]string, len(values))
	for _, w := range storage.Chunks(len(values), storage.LookupChunkSize) {
		q, args := buildLookupSQL(table, []string{valueColumn, idColumn}, valueColumn, values[w[0]:w[1]])
		rows, err := g.db.QueryContext(ctx, q, args...)
		if err != nil {
			if isInvalidObject(err) {
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
		err = rows.Err()
		rows.Close()
		if err != nil {
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

	out := make(map[string]records.Record, len(keys))
	for _, w := range storage.Chunks(len(keys), storage.LookupChunkSize) {
		q, args := buildLookupSQL(table, nil, keyColumn, keys[w[0]:w[1]])
		rows, err := g.db.QueryContext(ctx, q, args...)
		if err != nil {
			if isInvalidObject(err) {
				return map[string]records.Record{}, nil
			}
			return nil, fmt.Errorf("LookupRelated: query %s: %w", table, err)
		}
		cols, err := rows.Columns()
		if err != nil {
			rows.Close()
			return nil, err
		}
		for rows.Next() {
			vals := make([]any, len(cols))
			dests := make([]any, len(cols))
			for i := range vals {
				dests[i] = &vals[i]
			}
			if err := rows.Scan(dests...); err != nil {
				rows.Close()
				return nil, fmt.Errorf("LookupRelated: scan %s: %w", table, err)
			}
			rec := make(records.Record, len(cols))
			var key string
			for i, c := range cols {
				rec[c] = vals[i]
				if c == keyColumn {
					key = storage.NormalizeKey(vals[i])
				}
			}
			if _, dup := out[key]; !dup {
				out[key] = rec
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("LookupRelated: rows %s: %w", table, err)
		}
	}
	return out, nil
}

// Persist implements storage.Gateway.
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
		if _, err := g.db.ExecContext(ctx, buildCreateSQL(table, spec)); err != nil {
			return 0, fmt.Errorf("Persist: create %s: %w", table, err)
		}
		storage.Printf(g.log, "stage=persist table=%s created=true columns=%d", table, len(spec))
		columns = storage.ColumnNames(spec)
	}

	vals, dropped := storage.Reindex(rows, columns)
	if len(dropped) > 0 {
		storage.Printf(g.log, "stage=persist table=%s dropped_columns=%s", table, strings.Join(dropped, ","))
	}
	storage.EncodeListValues(vals)

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	for _, w := range storage.Chunks(len(vals), rowsPerInsert(len(columns))) {
		q, args := buildBulkInsertSQL(table, columns, vals[w[0]:w[1]])
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return 0, fmt.Errorf("Persist: insert into %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}

func (g *Gateway) tableColumns(ctx context.Context, table string) ([]string, error) {
	schema, name := splitQualifiedName(table)
	rows, err := g.db.QueryContext(ctx, columnsSQL, schema, name)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", table, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const columnsSQL = `SELECT COLUMN_NAME FROM INFORMATION_SCHEMA.COLUMNS
WHERE TABLE_SCHEMA = COALESCE(NULLIF(@p1, ''), SCHEMA_NAME()) AND TABLE_NAME = @p2
ORDER BY ORDINAL_POSITION`

// isInvalidObject reports whether err is SQL Server error 208.
func isInvalidObject(err error) bool {
	var me mssqldb.Error
	if errors.As(err, &me) {
		return me.Number == errInvalidObjectName
	}
	var mp *mssqldb.Error
	if errors.As(err, &mp) && mp != nil {
		return mp.Number == errInvalidObjectName
	}
	return false
}

// rowsPerInsert bounds one INSERT by both the parameter and VALUES-row limits.
func rowsPerInsert(ncols int) int {
	n := maxParams / max(ncols, 1)
	if n > maxValuesRows {
		n = maxValuesRows
	}
	return max(n, 1)
}

// buildLookupSQL returns the SELECT ... IN (...) query and args. A nil cols
// selects every column.
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
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(" FROM ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" WHERE ")
	b.WriteString(mssqlIdent(keyColumn))
	b.WriteString(" IN (")

	args := make([]any, 0, len(keys))
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(fmt.Sprintf("@p%d", i+1))
		args = append(args, k)
	}
	b.WriteString(")")

	return b.String(), args
}

// buildBulkInsertSQL builds a single INSERT ... VALUES statement for all rows.
func buildBulkInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")

	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(fmt.Sprintf("@p%d", p))
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	return b.String(), args
}

// buildCreateSQL wraps a CREATE TABLE statement in an OBJECT_ID guard, which
// keeps table creation idempotent without IF NOT EXISTS syntax.
func buildCreateSQL(table string, cols []storage.ColumnSpec) string {
	defs := make([]string, 0, len(cols))
	for _, c := range cols {
		defs = append(defs, mssqlIdent(c.Name)+" "+mssqlType(c.Kind)+" NULL")
	}
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		strings.ReplaceAll(table, "'", "''"),
		mssqlTableIdent(table),
		strings.Join(defs, ", "),
	)
}

func mssqlType(k storage.ColumnKind) string {
	switch k {
	case storage.KindInteger:
		return "BIGINT"
	case storage.KindBoolean:
		return "BIT"
	case storage.KindFloat:
		return "FLOAT"
	default:
		return "NVARCHAR(MAX)"
	}
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dbo.zones" -> [dbo].[zones]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

func splitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

// ---- database/sql seam types ----

// dbConn is a small interface over *sql.DB used to make this package testable.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

// txConn is a small interface over *sql.Tx.
type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Commit() error
	Rollback() error
}

// sqlDB wraps *sql.DB to implement dbConn.
type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *sqlDB) Close() error { return s.db.Close() }

var (
	_ dbConn          = (*sqlDB)(nil)
	_ storage.Gateway = (*Gateway)(nil)
)
