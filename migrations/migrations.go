// Package migrations embeds the SQL migration files for the ledger core
// tables. They are applied with goose at store open time.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
