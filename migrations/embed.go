// Package migrations embeds the goose SQL migrations so the server and
// tests can apply them without a checkout of the repo.
package migrations

import "embed"

// FS holds every migration file.
//
//go:embed *.sql
var FS embed.FS
