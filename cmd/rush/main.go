package main

import (
	"context"
	"flag"
	"os"
	"runtime"
	"time"

	"github.com/okian/dropspot/internal/config"
	"github.com/okian/dropspot/internal/rush"
	"github.com/okian/dropspot/pkg/logger"
)

// Default configuration constants.
const (
	defaultParticipants = 1000
	defaultCapacity     = 50
	defaultClaimsEach   = 2
	defaultWorkers      = 4 // multiplier for runtime.NumCPU()
	defaultTimeout      = 10 * time.Second
	defaultMaxTries     = 5
	defaultRushTimeout  = 10 * time.Minute
)

func main() {
	var (
		baseURL      = flag.String("url", "http://localhost:9080", "Base URL of the service")
		dropID       = flag.String("drop", "rush-1", "Drop to rush")
		participants = flag.Int("participants", defaultParticipants, "Number of participants")
		prefix       = flag.String("prefix", "rush", "Participant id prefix")
		claimsEach   = flag.Int("claims", defaultClaimsEach, "Claims fired per participant")
		workers      = flag.Int("workers", runtime.NumCPU()*defaultWorkers, "Number of concurrent requests")
		timeout      = flag.Duration("timeout", defaultTimeout, "HTTP request timeout")
		maxTries     = flag.Uint("tries", defaultMaxTries, "Attempts per request on 429/503")
		fixturesOut  = flag.String("write-fixtures", "", "Write a fixture file for the rush and exit")
		capacity     = flag.Int("capacity", defaultCapacity, "Drop capacity when writing fixtures")
		verbose      = flag.Bool("verbose", false, "Enable debug logging")
	)
	flag.Parse()

	if err := logger.Init(); err != nil {
		os.Stderr.WriteString("Failed to setup logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *verbose {
		_ = logger.SetLevelString("debug")
	}
	log := logger.Get()

	ctx, cancel := context.WithTimeout(context.Background(), defaultRushTimeout)
	defer cancel()

	if *fixturesOut != "" {
		f := rush.Fixtures(*dropID, *capacity, *participants, *prefix, time.Now())
		if err := config.WriteFixtures(*fixturesOut, f); err != nil {
			log.Error(ctx, "failed to write fixtures", logger.Error(err))
			os.Exit(1)
		}
		log.Info(ctx, "fixtures written",
			logger.String("path", *fixturesOut),
			logger.String("drop", *dropID),
			logger.Int("participants", *participants))
		return
	}

	cfg := &rush.Config{
		BaseURL:      *baseURL,
		DropID:       *dropID,
		Participants: *participants,
		Prefix:       *prefix,
		ClaimsEach:   *claimsEach,
		Workers:      *workers,
		Timeout:      *timeout,
		MaxTries:     *maxTries,
	}
	if _, err := rush.Run(ctx, cfg); err != nil {
		log.Error(ctx, "rush failed", logger.Error(err))
		os.Exit(1)
	}
}
