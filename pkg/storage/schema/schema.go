// Package schema embeds the storage core's SQL schema so it ships inside
// the binary rather than as a side-loaded migration file.
package schema

import _ "embed"

//go:embed schema.sql
var SQL string
