// Package migrations embeds the SQL schema so cmd/migrate can run it
// without shipping files next to the binary.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
