// Package migrations embeds the dedup store schema files.
package migrations

import "embed"

// FS holds the numbered SQL migration files applied at startup.
//
//go:embed *.sql
var FS embed.FS
