// Package migrations embeds the PostgreSQL schema of a clinic.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
