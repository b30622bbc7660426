// Package migrations embeds the manager store schema files.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
