// Package roster validates participant identifiers against the fixed roster
// and renders them in canonical form.
package roster

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/korjavin/mealtracker/pkg/models"
)

// ErrInvalidParticipant is returned for malformed or out-of-range identifiers
var ErrInvalidParticipant = errors.New("invalid participant id")

// Roster describes the set of valid participant identifiers
type Roster struct {
	Prefix string
	Width  int
	Min    int
	Max    int
}

// Default is the roster used by the service unless configured otherwise
var Default = Roster{Prefix: "msp_", Width: 4, Min: 0, Max: 350}

// Validate reports whether raw is exactly Width digits with a value in [Min, Max]
func (r Roster) Validate(raw string) bool {
	if r.Width <= 0 || len(raw) != r.Width {
		return false
	}
	for i := 0; i < len(raw); i++ {
		if raw[i] < '0' || raw[i] > '9' {
			return false
		}
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return false
	}
	return n >= r.Min && n <= r.Max
}

// Canonical validates raw and returns its canonical identifier
func (r Roster) Canonical(raw string) (models.ParticipantID, error) {
	if !r.Validate(raw) {
		return "", fmt.Errorf("%w: %q", ErrInvalidParticipant, raw)
	}
	return models.ParticipantID(r.Prefix + raw), nil
}

// Parse accepts either the raw token or the canonical form
func (r Roster) Parse(id string) (models.ParticipantID, error) {
	if r.Prefix != "" && strings.HasPrefix(id, r.Prefix) {
		return r.Canonical(strings.TrimPrefix(id, r.Prefix))
	}
	return r.Canonical(id)
}

// Format renders a roster index in canonical form
func (r Roster) Format(n int) models.ParticipantID {
	return models.ParticipantID(fmt.Sprintf("%s%0*d", r.Prefix, r.Width, n))
}

// Size returns the number of participants on the roster
func (r Roster) Size() int {
	if r.Max < r.Min {
		return 0
	}
	return r.Max - r.Min + 1
}

// All returns every roster member in lexicographic order.
// Zero padding makes numeric order and lexicographic order coincide.
func (r Roster) All() []models.ParticipantID {
	ids := make([]models.ParticipantID, 0, r.Size())
	for n := r.Min; n <= r.Max; n++ {
		ids = append(ids, r.Format(n))
	}
	return ids
}

// Describe returns a human readable description of the accepted identifiers
func (r Roster) Describe() string {
	return fmt.Sprintf("%d digits between %0*d and %0*d", r.Width, r.Width, r.Min, r.Width, r.Max)
}
