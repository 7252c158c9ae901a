package appointment

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telemed-scheduling/internal/practicetime"
)

// VideoPolicy decides once, at creation or reschedule, whether an
// appointment needs a conferencing room.
type VideoPolicy struct {
	roster map[uuid.UUID]struct{}
	clock  *practicetime.Converter
}

func NewVideoPolicy(alwaysVideo []uuid.UUID, clock *practicetime.Converter) VideoPolicy {
	roster := make(map[uuid.UUID]struct{}, len(alwaysVideo))
	for _, id := range alwaysVideo {
		roster[id] = struct{}{}
	}
	return VideoPolicy{roster: roster, clock: clock}
}

// RequiresVideo: roster doctor, practice-time Friday, or explicit override.
func (p VideoPolicy) RequiresVideo(doctorID uuid.UUID, startsAt time.Time, override bool) bool {
	if override {
		return true
	}
	if _, ok := p.roster[doctorID]; ok {
		return true
	}
	return p.clock.IsPracticeFriday(startsAt)
}

// JoinWindow is the span in which a video appointment can be joined.
type JoinWindow struct {
	Before   time.Duration
	Duration time.Duration
}

// Joinable reports whether now falls in [start-Before, start+Duration].
func (w JoinWindow) Joinable(a *Appointment, now time.Time) bool {
	if !a.Status.IsOpen() || !videoEligible(a) {
		return false
	}
	opens := a.StartsAt.Add(-w.Before)
	closes := a.StartsAt.Add(w.Duration)
	return !now.Before(opens) && !now.After(closes)
}

// HasPassed reports whether the join window has closed.
func (w JoinWindow) HasPassed(a *Appointment, now time.Time) bool {
	return now.After(a.StartsAt.Add(w.Duration))
}

func videoEligible(a *Appointment) bool {
	return a.RequiresVideo || a.Plan == PlanVideoConsultation
}

// NewManagementToken returns a 256-bit URL-safe capability string.
func NewManagementToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate management token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
