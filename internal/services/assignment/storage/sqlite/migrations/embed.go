package migrations

import "embed"

// FS contains embedded SQLite migrations for assignment storage.
//
//go:embed *.sql
var FS embed.FS
