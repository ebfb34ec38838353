// Package rush drives a claim rush against a running dropspot server and
// checks that admission held its capacity bound.
package rush

import "time"

// Config holds configuration for a rush.
type Config struct {
	BaseURL      string        // Base URL of the service
	DropID       string        // Drop to rush
	Participants int           // Number of participants to join
	Prefix       string        // Participant id prefix
	ClaimsEach   int           // Claims fired per participant
	Workers      int           // Number of concurrent requests
	Timeout      time.Duration // HTTP request timeout
	MaxTries     uint          // Attempts per request on 429/503 or transport errors
}

// ParticipantID returns the id of the i-th rush participant.
func (c *Config) ParticipantID(i int) string {
	return participantID(c.Prefix, i)
}

// Stats holds rush statistics.
type Stats struct {
	Joined         int
	JoinFailed     int
	ClaimsFired    int
	Admitted       int
	Replays        int
	OverCapacity   int
	ClaimsRejected int
	ClaimsFailed   int
	StartTime      time.Time
	EndTime        time.Time
	Duration       time.Duration
}
