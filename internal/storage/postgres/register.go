package postgres

import "sceneetl/internal/storage"

func init() {
	// registers the gateway factory
	storage.Register("postgres", Open)
}
