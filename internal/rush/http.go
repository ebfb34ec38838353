package rush

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/okian/dropspot/internal/adapters/http/api"
)

// response is a decoded reply; body is kept for the caller to decode.
type response struct {
	status int
	code   string
	body   []byte
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// client issues rush requests and retries the ones the server asks to retry.
type client struct {
	http     *http.Client
	baseURL  string
	maxTries uint
}

func newClient(cfg *Config) *client {
	c := &client{
		http:     &http.Client{Timeout: cfg.Timeout},
		baseURL:  cfg.BaseURL,
		maxTries: cfg.MaxTries,
	}
	if c.maxTries == 0 {
		c.maxTries = 1
	}
	return c
}

// do sends the request, retrying transport errors, 429 and 503 with
// exponential backoff. A Retry-After header overrides the backoff interval.
func (c *client) do(ctx context.Context, method, path, participant string) (response, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxInterval = time.Second

	return backoff.Retry(ctx, func() (response, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
		if err != nil {
			return response{}, backoff.Permanent(err)
		}
		if participant != "" {
			req.Header.Set(api.ParticipantHeader, participant)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return response{}, err
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return response{}, err
		}
		out := response{status: resp.StatusCode, body: body}
		if resp.StatusCode >= http.StatusBadRequest {
			var eb errorBody
			if json.Unmarshal(body, &eb) == nil {
				out.code = eb.Code
			}
		}

		switch resp.StatusCode {
		case http.StatusTooManyRequests, http.StatusServiceUnavailable:
			if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
				return out, backoff.RetryAfter(secs)
			}
			return out, fmt.Errorf("%w: %d %s", ErrUnexpectedStatus, resp.StatusCode, out.code)
		}
		return out, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(c.maxTries))
}

func decodeBody(r response, v any) error {
	if err := json.Unmarshal(r.body, v); err != nil {
		return fmt.Errorf("decode %d response: %w", r.status, err)
	}
	return nil
}
