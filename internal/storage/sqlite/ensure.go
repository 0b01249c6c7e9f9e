package sqlite

import "github.com/felixgeelhaar/escape/internal/domain"

// Ensure the SQLite store implements the storage interface.
var _ domain.Store = (*Store)(nil)
