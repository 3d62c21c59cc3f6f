package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"sceneetl/internal/storage"
	"sceneetl/pkg/records"
)

// maxVariables keeps every statement under SQLite's historical default limit
// on bound parameters.
const maxVariables = 999

// Gateway implements storage.Gateway for SQLite.
//
// Key design points vs Postgres:
//   - SQLite has no array type, so list values are stored as JSON text.
//   - Schema-qualified names ("render.basepasses") would address an attached
//     database; they are flattened to "render_basepasses" instead.
//   - Missing tables are detected with pragma_table_info before querying, so
//     lookups never have to parse "no such table" errors.
//   - An in-memory DSN is private to one connection, so the pool is pinned to
//     a single connection.
type Gateway struct {
	db  *sql.DB
	log storage.Logger
}

func init() {
	storage.Register("sqlite", Open)
}

// Open opens the database at cfg.DSN (a path, "file:" URI or ":memory:").
func Open(ctx context.Context, cfg storage.Config) (storage.Gateway, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Gateway{db: db, log: cfg.Logger}, nil
}

func (g *Gateway) Close() { _ = g.db.Close() }

// LookupValues implements storage.Gateway.
func (g *Gateway) LookupValues(ctx context.Context, table, valueColumn, idColumn string, values []string) (map[string]string, error) {
	if len(values) == 0 {
		return map[string]string{}, nil
	}
	cols, err := g.tableColumns(ctx, table)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return map[string]string{}, nil
	}

	out := make(map[string]string, len(values))
	for _, w := range storage.Chunks(len(values), maxVariables) {
		q, args := buildLookupSQL(table, []string{valueColumn, idColumn}, valueColumn, values[w[0]:w[1]])
		rows, err := g.db.QueryContext(ctx, q, args...)
		if err != nil {
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
	cols, err := g.tableColumns(ctx, table)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return map[string]records.Record{}, nil
	}

	out := make(map[string]records.Record, len(keys))
	for _, w := range storage.Chunks(len(keys), maxVariables) {
		q, args := buildLookupSQL(table, cols, keyColumn, keys[w[0]:w[1]])
		rows, err := g.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, fmt.Errorf("LookupRelated: query %s: %w", table, err)
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
				v := vals[i]
				if b, ok := v.([]byte); ok {
					v = string(b)
				}
				rec[c] = v
				if c == keyColumn {
					key = storage.NormalizeKey(v)
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

// Persist implements storage.Gateway. All chunks for one call run in a single
// transaction.
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

	perStmt := maxVariables / len(columns)
	if perStmt < 1 {
		perStmt = 1
	}

	var total int64
	for _, w := range storage.Chunks(len(vals), perStmt) {
		q, args := buildInsertSQL(table, columns, vals[w[0]:w[1]])
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

// tableColumns returns table's columns in declaration order, or nil when the
// table does not exist.
func (g *Gateway) tableColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := g.db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?) ORDER BY cid`, tableName(table))
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

func buildLookupSQL(table string, cols []string, keyColumn string, keys []string) (string, []any) {
	ph := strings.TrimRight(strings.Repeat("?,", len(keys)), ",")
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE %s IN (%s)`,
		joinIdentList(cols), sqlIdent(tableName(table)), sqlIdent(keyColumn), ph)

	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	return q, args
}

func buildInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sqlIdent(tableName(table)))
	b.WriteString(" (")
	b.WriteString(joinIdentList(columns))
	b.WriteString(") VALUES ")

	one := "(" + strings.TrimRight(strings.Repeat("?,", len(columns)), ",") + ")"
	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(one)
		args = append(args, row...)
	}
	return b.String(), args
}

func buildCreateSQL(table string, cols []storage.ColumnSpec) string {
	defs := make([]string, 0, len(cols))
	for _, c := range cols {
		defs = append(defs, sqlIdent(c.Name)+" "+sqliteType(c.Kind))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", sqlIdent(tableName(table)), strings.Join(defs, ", "))
}

func sqliteType(k storage.ColumnKind) string {
	switch k {
	case storage.KindInteger, storage.KindBoolean:
		return "INTEGER"
	case storage.KindFloat:
		return "REAL"
	default:
		// Lists are JSON text.
		return "TEXT"
	}
}

// tableName flattens "schema.table" to "schema_table".
func tableName(table string) string {
	return strings.ReplaceAll(strings.TrimSpace(table), ".", "_")
}

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func joinIdentList(columns []string) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = sqlIdent(c)
	}
	return strings.Join(parts, ", ")
}

var _ storage.Gateway = (*Gateway)(nil)
