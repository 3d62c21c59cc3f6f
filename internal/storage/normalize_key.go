package storage

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// NormalizeKey converts a value or id scanned from any backend to a canonical
// string form, suitable for in-memory map keys (e.g. "Z1,Z2" or "8429529").
//
// Backends must not assume a particular underlying type for keys: Postgres
// returns uuid columns as [16]byte, SQLite returns TEXT as string or []byte,
// and integer ids come back as int64. This helper keeps lookup maps
// consistent across backends.
func NormalizeKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []byte:
		return strings.TrimSpace(string(t))
	case int64:
		return strconv.FormatInt(t, 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int:
		return strconv.Itoa(t)
	case [16]byte:
		return uuid.UUID(t).String()
	case uuid.UUID:
		return t.String()
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
