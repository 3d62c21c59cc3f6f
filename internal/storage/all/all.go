// Package all registers every storage backend with the storage registry.
// Import it for side effects from binaries that select the backend at runtime.
package all

import (
	_ "sceneetl/internal/storage/mssql"
	_ "sceneetl/internal/storage/postgres"
	_ "sceneetl/internal/storage/sqlite"
)
