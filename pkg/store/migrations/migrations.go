// Package migrations embeds the SQL schema applied to every new store file.
package migrations

import "embed"

// FS holds the ordered *.sql migration files.
//
//go:embed *.sql
var FS embed.FS
