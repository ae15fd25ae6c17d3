// Package migrations carries the schema so binaries and integration tests
// apply the same files.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
