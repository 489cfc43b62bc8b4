// Package sqlitedriver registers the pure-Go SQLite driver exactly once.
// The binary and any test that opens a store blank-import this package
// instead of modernc.org/sqlite directly, so the driver name passed to
// sql.Open has a single owner and the database package itself stays
// driver-agnostic.
package sqlitedriver

import (
	_ "modernc.org/sqlite"
)
