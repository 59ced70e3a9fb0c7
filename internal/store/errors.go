package store

import "errors"

// ErrNotFound is returned when a sync-state or bucket-state record has never
// been written. Callers (the sync engine) treat it as the zero state rather
// than a failure — see the cold-start handling in internal/syncengine.
var ErrNotFound = errors.New("store: not found")
