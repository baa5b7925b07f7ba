// Package contracts embeds the JSON wire contracts shared by the gateway,
// the runner, and external consumers of the artifact tree.
package contracts

import _ "embed"

//go:embed job.schema.json
var JobSchema []byte

//go:embed result.schema.json
var ResultSchema []byte
