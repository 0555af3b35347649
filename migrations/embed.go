// Package migrations embeds the SQL schema applied by `schoolhealth-server migrate up`.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
