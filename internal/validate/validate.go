// Package validate holds cross-cutting format validators shared by the
// store and orchestrator layers.
package validate

import (
	"regexp"

	"github.com/layer3studios/proxyclaw/internal/apperr"
)

var subdomainPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*[a-z0-9]$`)

const (
	subdomainMinLen = 3
	subdomainMaxLen = 63
)

// Subdomain reports whether s is a valid deployment subdomain: lowercase,
// 3-63 characters, starting and ending with an alphanumeric, with only
// lowercase letters, digits, hyphens and underscores in between.
func Subdomain(s string) error {
	if len(s) < subdomainMinLen || len(s) > subdomainMaxLen {
		return apperr.Validation("subdomain must be between 3 and 63 characters")
	}
	if !subdomainPattern.MatchString(s) {
		return apperr.Validation("subdomain must be lowercase alphanumeric, optionally separated by - or _, and start/end alphanumeric")
	}
	return nil
}
