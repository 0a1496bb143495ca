// Package migrations embeds the tenant schema migrations shipped with the
// binary.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
