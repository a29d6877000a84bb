// Package migrations embeds the fabric's goose SQL migrations so the
// compiled binary carries its own schema, with no separate migration
// artifact to ship alongside it.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Dir is the goose migration directory name within FS, passed to
// database.NewMigrator.
const Dir = "."
