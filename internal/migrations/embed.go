// Package migrations embeds the application's goose migration files.
//
// River's queue tables are managed separately by its own migration
// tool; only application-owned tables live here.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
