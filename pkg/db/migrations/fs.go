package migrations

import "embed"

// FS holds the migration sources so goose can enumerate versions from a built binary.
//
//go:embed *.go
var FS embed.FS
