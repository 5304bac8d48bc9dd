//go:build !cgo

package memory

import (
	_ "modernc.org/sqlite"
)

// driverName selects the pure-Go, CGO-free SQLite driver for CGO-disabled
// builds (the default for cross-compiled or minimal-toolchain deployments).
const driverName = "sqlite"

const dsnSuffix = "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
