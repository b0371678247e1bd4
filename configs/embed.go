// Package configs provides the embedded configuration template.
//
// The template is embedded at build time so `datafactory config init`
// works in every distribution, source builds and binary releases
// alike. Values mirror the defaults in internal/config; environment
// variables still override anything in the file.
package configs

import _ "embed"

// ConfigTemplate is the annotated example configuration written by
// `datafactory config init`.
//
//go:embed datafactory.example.yaml
var ConfigTemplate string
