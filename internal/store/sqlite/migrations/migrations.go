// Package migrations embeds the document store schema.
package migrations

import "embed"

// FS holds the ordered SQL migration files for the documents schema.
//
//go:embed *.sql
var FS embed.FS
