// Package migrations embeds the SQL schema for the local cache ledger.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
