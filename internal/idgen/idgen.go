// Package idgen generates opaque run identifiers.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Generator returns fresh opaque run identifiers.
type Generator interface {
	NewRunID() string
}

// UUIDGenerator produces ids shaped like the original Python
// implementation's run_<hex12>, derived from a uuid4's hex digits.
type UUIDGenerator struct{}

// NewRunID returns a new "run_<12 hex chars>" identifier.
func (UUIDGenerator) NewRunID() string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "run_" + id[:12]
}
