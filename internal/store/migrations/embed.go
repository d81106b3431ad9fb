// Package migrations embeds the replica schema migrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
