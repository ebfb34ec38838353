package rush

import "fmt"

// Verify checks the admission invariants against what the rush observed.
// The admitted count must equal the capacity, or the number joined when fewer
// joined. Codes and positions must be distinct, with positions in
// 1..capacity. The head of the standings must be exactly the admitted
// holders.
func Verify(res *Result) error {
	capacity := res.Drop.Capacity
	if res.Stats.ClaimsFailed > 0 {
		return fmt.Errorf("%w: %d claims failed", ErrVerification, res.Stats.ClaimsFailed)
	}
	if len(res.Claims) > capacity {
		return fmt.Errorf("%w: %d admitted for capacity %d", ErrVerification, len(res.Claims), capacity)
	}
	if want := min(capacity, res.Stats.Joined); len(res.Claims) != want {
		return fmt.Errorf("%w: %d admitted, want %d", ErrVerification, len(res.Claims), want)
	}

	codes := make(map[string]string, len(res.Claims))
	positions := make(map[int]string, len(res.Claims))
	admitted := make(map[string]struct{}, len(res.Claims))
	for _, c := range res.Claims {
		if c.Code == "" {
			return fmt.Errorf("%w: %s admitted without a code", ErrVerification, c.ParticipantID)
		}
		if other, dup := codes[c.Code]; dup {
			return fmt.Errorf("%w: %s and %s share code %s", ErrVerification, other, c.ParticipantID, c.Code)
		}
		codes[c.Code] = c.ParticipantID
		if c.Position < 1 || c.Position > capacity {
			return fmt.Errorf("%w: %s admitted at position %d", ErrVerification, c.ParticipantID, c.Position)
		}
		if other, dup := positions[c.Position]; dup {
			return fmt.Errorf("%w: %s and %s both admitted at position %d", ErrVerification, other, c.ParticipantID, c.Position)
		}
		positions[c.Position] = c.ParticipantID
		admitted[c.ParticipantID] = struct{}{}
	}

	for i, s := range res.Standings {
		if i >= len(res.Claims) {
			break
		}
		if _, ok := admitted[s.ParticipantID]; !ok || !s.Claimed {
			return fmt.Errorf("%w: standing %d is %s, not an admitted holder", ErrVerification, s.Position, s.ParticipantID)
		}
	}
	return nil
}
