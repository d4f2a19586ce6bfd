// Package security reports the privileges of the running process.
package security

import (
	"github.com/rs/zerolog/log"
)

// Principal is the identity the current process runs as.
type Principal struct {
	elevated func() (bool, error)
}

// Current returns the principal of the running process.
func Current() *Principal {
	return &Principal{elevated: isElevated}
}

// IsAdministrator reports whether the process runs as root on unix systems
// or with an elevated token on windows. A failed check counts as not
// elevated.
func (p *Principal) IsAdministrator() bool {
	ok, err := p.elevated()
	if err != nil {
		log.Debug().Err(err).Msg("Failed to check process elevation")
		return false
	}
	return ok
}

// Static is a principal with fixed privileges.
type Static bool

// IsAdministrator returns the fixed value.
func (s Static) IsAdministrator() bool {
	return bool(s)
}
