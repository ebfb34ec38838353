// Package scoring computes deterministic, seed-derived priority scores for
// waitlist entries.
//
// The integer terms give coarse separation that the seed can tune, which makes
// trivial gaming by timing joins hard. The fractional term breaks ties with
// near certainty without relying on sub-millisecond join precision.
package scoring

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
	"strconv"
	"strings"
	"time"

	"github.com/okian/dropspot/internal/domain/model"
)

// Scoring constants.
const (
	minSeedLength = 6
	msPerDay      = int64(24 * time.Hour / time.Millisecond)
	fractionScale = 1000
	modulus100    = 100
)

// Option applies a configuration option to the PriorityScorer.
type Option func(*PriorityScorer)

// WithHash replaces the 256-bit hash primitive. Scores are only comparable
// between scorers that use the same primitive.
func WithHash(newHash func() hash.Hash) Option {
	return func(s *PriorityScorer) {
		if newHash != nil {
			s.newHash = newHash
		}
	}
}

// Coefficients are the seed-derived moduli used by the integer terms.
type Coefficients struct {
	A int64
	B int64
	C int64
}

// Input abstracts the participant and resource attributes the scorer consumes.
type Input struct {
	ParticipantID        string
	ResourceID           string
	ParticipantCreatedAt time.Time
	ResourceCapacity     int
	JoinedAt             time.Time
}

// PriorityScorer is a pure function of its seed and inputs.
type PriorityScorer struct {
	coeff   Coefficients
	newHash func() hash.Hash
}

// New creates a scorer for seed. It fails with model.ErrInvalidSeed when the
// seed is shorter than six characters or its first six are not hex digits.
func New(seed string, opts ...Option) (*PriorityScorer, error) {
	coeff, err := DeriveCoefficients(seed)
	if err != nil {
		return nil, err
	}
	s := &PriorityScorer{
		coeff:   coeff,
		newHash: sha256.New,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// DeriveCoefficients computes a, b, c from the first six hex characters of seed.
func DeriveCoefficients(seed string) (Coefficients, error) {
	const op = "scoring.derive_coefficients"
	if len(seed) < minSeedLength {
		return Coefficients{}, model.WrapKind(op, model.ErrInvalidSeed,
			fmt.Errorf("seed must be at least %d characters, got %d", minSeedLength, len(seed)))
	}
	parts := [3]int64{}
	for i := range parts {
		v, err := strconv.ParseUint(seed[i*2:i*2+2], 16, 8)
		if err != nil {
			return Coefficients{}, model.WrapKind(op, model.ErrInvalidSeed, err)
		}
		parts[i] = int64(v)
	}
	return Coefficients{
		A: 7 + parts[0]%5,
		B: 13 + parts[1]%7,
		C: 3 + parts[2]%3,
	}, nil
}

// Coefficients returns the seed-derived coefficients.
func (s *PriorityScorer) Coefficients() Coefficients {
	return s.coeff
}

// Score computes the priority score for in. The result is non-negative and
// rounded to six decimal places.
func (s *PriorityScorer) Score(in Input) float64 {
	deltaMs := in.JoinedAt.Sub(in.ParticipantCreatedAt).Milliseconds()
	if deltaMs < 0 {
		deltaMs = 0
	}
	accountAgeDays := deltaMs / msPerDay

	rapid := int64(s.h(in.ParticipantID, in.ResourceID, "rapid") % modulus100)
	base := int64(in.ResourceCapacity%modulus100) + int64(s.h(in.ResourceID, "base")%modulus100)

	raw := base + deltaMs%s.coeff.A + accountAgeDays%s.coeff.B - rapid%s.coeff.C
	if raw < 0 {
		raw = 0
	}
	fractional := float64(s.h(in.ParticipantID, model.FormatISO(in.JoinedAt))%fractionScale) / fractionScale

	return model.RoundScore(float64(raw) + fractional)
}

// h joins parts with "|" and reads the first 8 hex digits of the digest as an
// unsigned integer.
func (s *PriorityScorer) h(parts ...string) uint64 {
	hh := s.newHash()
	_, _ = hh.Write([]byte(strings.Join(parts, "|")))
	sum := hh.Sum(nil)
	return uint64(binary.BigEndian.Uint32(sum[:4]))
}
