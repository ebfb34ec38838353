// Package claimcode derives the claim artifact issued to admitted participants.
//
// The code is a pure function of stored entry fields, so it can be re-derived
// at any time for audit or replay.
package claimcode

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/okian/dropspot/internal/domain/model"
)

// Length is the number of hex characters in a claim code.
const Length = 16

// Generate returns the claim code for the given entry attributes.
func Generate(participantID, resourceID string, priorityScore float64, joinedAt time.Time) string {
	raw := fmt.Sprintf("%s|%s|%.4f|%s", participantID, resourceID, priorityScore, model.FormatISO(joinedAt))
	sum := sha256.Sum256([]byte(raw))
	return strings.ToUpper(hex.EncodeToString(sum[:])[:Length])
}

// ForEntry returns the claim code derived from e.
func ForEntry(e model.Entry) string {
	return Generate(e.ParticipantID, e.ResourceID, e.PriorityScore, e.JoinedAt)
}

// Verify reports whether e carries the code its fields derive.
func Verify(e model.Entry) bool {
	return e.ClaimCode != "" && e.ClaimCode == ForEntry(e)
}
