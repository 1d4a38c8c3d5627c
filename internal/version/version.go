// Package version reports the relay's release version.
package version

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var raw string

// Version is the release tag embedded from the VERSION file.
var Version = strings.TrimSpace(raw)

// Get returns the current version of the application.
func Get() string {
	return Version
}
