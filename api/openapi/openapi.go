// Package openapi embeds the OpenAPI document served under /api-docs.
package openapi

import _ "embed"

// Spec is the OpenAPI 3 document in YAML.
//
//go:embed openapi.yaml
var Spec []byte
