package rush

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/okian/dropspot/internal/domain/types"
	"github.com/okian/dropspot/pkg/logger"
	"golang.org/x/sync/errgroup"
)

// Claim is one successful claim observed by the rush.
type Claim struct {
	ParticipantID string
	Code          string
	Position      int
}

// Result is what a rush observed.
type Result struct {
	Drop      types.Drop
	Claims    []Claim
	Standings []types.Standing
	Stats     Stats
}

// Run executes a complete rush and verifies its outcome.
func Run(ctx context.Context, cfg *Config) (*Result, error) {
	log := logger.Get().Named("rush")
	res := &Result{Stats: Stats{StartTime: time.Now()}}
	c := newClient(cfg)

	log.Info(ctx, "starting rush",
		logger.String("baseURL", cfg.BaseURL),
		logger.String("drop", cfg.DropID),
		logger.Int("participants", cfg.Participants),
		logger.Int("claimsEach", cfg.ClaimsEach),
		logger.Int("workers", cfg.Workers))

	if err := checkHealth(ctx, c); err != nil {
		return nil, err
	}
	drop, err := findDrop(ctx, c, cfg.DropID)
	if err != nil {
		return nil, err
	}
	res.Drop = drop

	if err := joinAll(ctx, c, cfg, &res.Stats); err != nil {
		return nil, fmt.Errorf("join phase: %w", err)
	}
	log.Info(ctx, "join phase completed",
		logger.Int("joined", res.Stats.Joined),
		logger.Int("failed", res.Stats.JoinFailed))

	claims, err := claimAll(ctx, c, cfg, &res.Stats)
	if err != nil {
		return nil, fmt.Errorf("claim phase: %w", err)
	}
	res.Claims = claims

	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/drops/%s/standings?limit=%d", cfg.DropID, max(drop.Capacity, 1)), "")
	if err != nil {
		return nil, fmt.Errorf("standings: %w", err)
	}
	if err := decodeBody(resp, &res.Standings); err != nil {
		return nil, err
	}

	res.Stats.EndTime = time.Now()
	res.Stats.Duration = res.Stats.EndTime.Sub(res.Stats.StartTime)
	displayStats(ctx, log, &res.Stats)

	if err := Verify(res); err != nil {
		return res, err
	}
	log.Info(ctx, "rush verified",
		logger.Int("capacity", drop.Capacity),
		logger.Int("admitted", res.Stats.Admitted))
	return res, nil
}

func checkHealth(ctx context.Context, c *client) error {
	resp, err := c.do(ctx, http.MethodGet, "/healthz", "")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnhealthy, err)
	}
	if resp.status != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUnhealthy, resp.status)
	}
	return nil
}

func findDrop(ctx context.Context, c *client, id string) (types.Drop, error) {
	resp, err := c.do(ctx, http.MethodGet, "/drops", "")
	if err != nil {
		return types.Drop{}, err
	}
	var drops []types.Drop
	if err := decodeBody(resp, &drops); err != nil {
		return types.Drop{}, err
	}
	for _, d := range drops {
		if d.ID == id {
			return d, nil
		}
	}
	return types.Drop{}, fmt.Errorf("%w: %s", ErrDropNotListed, id)
}

func joinAll(ctx context.Context, c *client, cfg *Config, stats *Stats) error {
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(max(cfg.Workers, 1))
	path := "/drops/" + cfg.DropID + "/join"
	for i := 0; i < cfg.Participants; i++ {
		pid := cfg.ParticipantID(i)
		g.Go(func() error {
			resp, err := c.do(ctx, http.MethodPost, path, pid)
			mu.Lock()
			defer mu.Unlock()
			if err != nil || resp.status != http.StatusOK {
				stats.JoinFailed++
				return nil
			}
			stats.Joined++
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

type claimReply struct {
	pid   string
	entry types.Entry
}

func claimAll(ctx context.Context, c *client, cfg *Config, stats *Stats) ([]Claim, error) {
	var (
		mu      sync.Mutex
		g       errgroup.Group
		replies []claimReply
	)
	g.SetLimit(max(cfg.Workers, 1))
	path := "/drops/" + cfg.DropID + "/claim"
	for i := 0; i < cfg.Participants; i++ {
		pid := cfg.ParticipantID(i)
		for r := 0; r < max(cfg.ClaimsEach, 1); r++ {
			g.Go(func() error {
				resp, err := c.do(ctx, http.MethodPost, path, pid)
				var e types.Entry
				if err == nil && resp.status == http.StatusOK {
					err = decodeBody(resp, &e)
				}

				mu.Lock()
				defer mu.Unlock()
				stats.ClaimsFired++
				switch {
				case err != nil:
					stats.ClaimsFailed++
				case resp.status == http.StatusOK:
					replies = append(replies, claimReply{pid: pid, entry: e})
				case resp.code == "capacity_exceeded":
					stats.OverCapacity++
				case resp.status < http.StatusInternalServerError:
					stats.ClaimsRejected++
				default:
					stats.ClaimsFailed++
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seen := make(map[string]int, len(replies))
	claims := make([]Claim, 0, len(replies))
	for _, r := range replies {
		if idx, ok := seen[r.pid]; ok {
			stats.Replays++
			if claims[idx].Code != r.entry.ClaimCode {
				return nil, fmt.Errorf("%w: %s received codes %s and %s",
					ErrVerification, r.pid, claims[idx].Code, r.entry.ClaimCode)
			}
			continue
		}
		seen[r.pid] = len(claims)
		claims = append(claims, Claim{ParticipantID: r.pid, Code: r.entry.ClaimCode, Position: r.entry.Position})
	}
	stats.Admitted = len(claims)
	return claims, nil
}

func displayStats(ctx context.Context, log logger.Logger, s *Stats) {
	var claimsPerSecond float64
	if s.Duration > 0 {
		claimsPerSecond = float64(s.ClaimsFired) / s.Duration.Seconds()
	}
	log.Info(ctx, "final statistics",
		logger.Int("joined", s.Joined),
		logger.Int("joinFailed", s.JoinFailed),
		logger.Int("claimsFired", s.ClaimsFired),
		logger.Int("admitted", s.Admitted),
		logger.Int("replays", s.Replays),
		logger.Int("overCapacity", s.OverCapacity),
		logger.Int("rejected", s.ClaimsRejected),
		logger.Int("failed", s.ClaimsFailed),
		logger.Duration("duration", s.Duration),
		logger.Float64("claimsPerSecond", claimsPerSecond))
}
