// Package migrations embeds the SQL migration files in this directory so
// cmd/kapp-migrate can apply them without needing a copy of db/migrations
// on disk alongside the compiled binary.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
