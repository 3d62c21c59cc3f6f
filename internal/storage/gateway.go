package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"sceneetl/pkg/records"
)

// ErrUnsupportedKind is returned by New when no backend is registered for the
// requested kind.
var ErrUnsupportedKind = errors.New("storage: unsupported backend kind")

// Logger is the logging surface backends use for non-fatal notices.
// *log.Logger satisfies it.
type Logger interface {
	Printf(format string, v ...any)
}

// Config is the minimal configuration needed to open a Gateway.
//
// When to use:
//   - Use Config when constructing a Gateway via New.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
//   - Logger may be nil; notices are then dropped.
type Config struct {
	Kind   string
	DSN    string
	Logger Logger
}

// Gateway is the persistence contract the normalization pipeline depends on.
//
// IMPORTANT: the interface only covers batched lookups and append-only
// persistence. Schema management beyond "create the table from the row shape
// if it is missing" is out of scope; each backend implements these semantics
// in its own idiomatic way.
type Gateway interface {
	// LookupValues returns canonical value -> id for the values already stored
	// in table.
	//
	// Edge cases:
	//   - An empty values slice returns an empty map without a round trip.
	//   - A table that does not exist yet returns an empty map, not an error.
	//   - Values are queried in chunks of LookupChunkSize; callers still see a
	//     single call.
	LookupValues(ctx context.Context, table, valueColumn, idColumn string, values []string) (map[string]string, error)

	// LookupRelated returns key -> full row for rows of table whose keyColumn
	// is one of keys. Same empty-input and missing-table tolerance as
	// LookupValues.
	LookupRelated(ctx context.Context, table, keyColumn string, keys []string) (map[string]records.Record, error)

	// Persist appends rows to table, creating the table from the rows' shape
	// when it does not exist. When it does exist, rows are reindexed to the
	// table's columns: unknown keys are dropped (and logged), missing keys are
	// written as NULL. Persist never deduplicates rows.
	Persist(ctx context.Context, table string, rows []records.Record) (int64, error)

	// Close releases backend resources. Call once.
	Close()
}

// LookupChunkSize bounds the number of keys bound into one IN (...) list.
// It stays below the SQL Server limit of 2100 parameters per statement.
const LookupChunkSize = 2000

// Factory opens a Gateway for a backend kind.
type Factory func(ctx context.Context, cfg Config) (Gateway, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//
// Panics:
//   - If kind is empty, f is nil, or kind is already registered. Failing fast
//     avoids ambiguous backend selection.
func Register(kind string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// Kinds returns the registered backend kinds, sorted.
func Kinds() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New constructs a Gateway using the registered backend factory.
//
// Concurrency:
//   - Safe for concurrent use with Register.
//
// Errors:
//   - ErrUnsupportedKind (wrapped) if cfg.Kind is empty or not registered.
//   - Whatever error the registered factory returns.
func New(ctx context.Context, cfg Config) (Gateway, error) {
	kind := strings.ToLower(strings.TrimSpace(cfg.Kind))
	if kind == "" {
		return nil, fmt.Errorf("%w: empty kind", ErrUnsupportedKind)
	}

	factoriesMu.RLock()
	f := factories[kind]
	factoriesMu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("%w: %q (registered: %s)", ErrUnsupportedKind, kind, strings.Join(Kinds(), ", "))
	}
	return f(ctx, cfg)
}

// Chunks splits n items into [start, end) windows of at most size items.
func Chunks(n, size int) [][2]int {
	if n <= 0 {
		return nil
	}
	if size <= 0 {
		size = n
	}
	out := make([][2]int, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		out = append(out, [2]int{start, end})
	}
	return out
}

// Printf logs through l when it is non-nil.
func Printf(l Logger, format string, v ...any) {
	if l == nil {
		return
	}
	l.Printf(format, v...)
}
