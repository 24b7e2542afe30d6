// Package prompts renders the discovery and task prompts sent to agent
// sessions. Built-in templates are embedded; files in override
// directories replace them.
package prompts

import "embed"

//go:embed cycle/*.md
var embeddedFS embed.FS
