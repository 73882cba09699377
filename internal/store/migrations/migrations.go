// Package migrations embeds the versioned SQL schema for the local store.
// Files are append-only: never renumber or edit an applied version.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
