// Package prompts provides commit message and job prompt templates with
// override support.
package prompts

import "embed"

//go:embed commit/*.md job/*.md
var embeddedFS embed.FS
