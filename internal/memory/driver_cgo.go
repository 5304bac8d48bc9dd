//go:build cgo

package memory

import (
	_ "github.com/mattn/go-sqlite3"
)

// driverName selects the CGO-accelerated SQLite driver when the build has a
// C toolchain available; faster for heavy FTS workloads on hosts that can
// afford the CGO dependency.
const driverName = "sqlite3"

const dsnSuffix = "?_journal_mode=WAL&_foreign_keys=on&_synchronous=NORMAL&_busy_timeout=5000"
