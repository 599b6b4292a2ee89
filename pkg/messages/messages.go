// Package messages holds every text shown to operators of the serving counter.
package messages

import (
	"fmt"
	"strings"
	"time"

	"github.com/korjavin/mealtracker/pkg/models"
)

// ServedTimeLayout renders the time of day in confirmation messages
const ServedTimeLayout = "03:04 PM"

// AwaitingService is returned when a request opened a new awaiting window
func AwaitingService(p models.ParticipantID, meal models.MealSlot) string {
	return fmt.Sprintf("Participant %s is awaiting service for %s. Serving will be confirmed shortly.", p, meal)
}

// AlreadyAwaiting is returned when a request found an open awaiting window
func AlreadyAwaiting(p models.ParticipantID, meal models.MealSlot) string {
	return fmt.Sprintf("Participant %s is already awaiting service for %s.", p, meal)
}

// AlreadyServed is returned when the ledger already holds a record for today
func AlreadyServed(p models.ParticipantID, meal models.MealSlot) string {
	return fmt.Sprintf("Participant %s has already been served %s today!", p, meal)
}

// NotAwaiting is returned when a confirmation has no matching request
func NotAwaiting(p models.ParticipantID, meal models.MealSlot) string {
	return fmt.Sprintf("Participant %s is not awaiting service for %s.", p, meal)
}

// Served confirms a completed serving
func Served(p models.ParticipantID, meal models.MealSlot, at time.Time) string {
	return fmt.Sprintf("%s served to %s at %s.", capitalize(string(meal)), p, at.Format(ServedTimeLayout))
}

// InvalidParticipant explains the accepted identifier format
func InvalidParticipant(description string) string {
	return fmt.Sprintf("Invalid participant ID. Please enter %s.", description)
}

// InvalidMeal lists the configured meal slots
func InvalidMeal(meal string, allowed []models.MealSlot) string {
	names := make([]string, len(allowed))
	for i, m := range allowed {
		names[i] = string(m)
	}
	return fmt.Sprintf("Invalid meal time %q. Expected one of: %s.", meal, strings.Join(names, ", "))
}

// StatusAwaiting describes a participant with an open request
func StatusAwaiting(p models.ParticipantID, meal models.MealSlot) string {
	return fmt.Sprintf("Participant %s is awaiting service for %s.", p, meal)
}

// StatusServed describes a participant already served today
func StatusServed(p models.ParticipantID, meal models.MealSlot) string {
	return fmt.Sprintf("Participant %s has already been served %s today.", p, meal)
}

// StatusNotRegistered describes a participant with neither a request nor a record
func StatusNotRegistered(p models.ParticipantID, meal models.MealSlot) string {
	return fmt.Sprintf("Participant %s is not registered for %s.", p, meal)
}

// MealCount renders the served count for a meal
func MealCount(n int) string {
	return fmt.Sprintf("%d persons served", n)
}

// MealCountError reports a ledger failure inline in the count response
func MealCountError(err error) string {
	return fmt.Sprintf("Error fetching meal counts: %v", err)
}

// ClientRemoved confirms a viewer subscription was dropped
func ClientRemoved(viewerID string) string {
	return fmt.Sprintf("Client %s removed.", viewerID)
}

// ClientNotFound reports a removal for an unknown viewer
func ClientNotFound(viewerID string) string {
	return fmt.Sprintf("Client %s not found.", viewerID)
}

// LedgerUnavailable is the detail of a server error caused by the ledger
func LedgerUnavailable(err error) string {
	return fmt.Sprintf("Database error: %v", err)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
