package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	multierror "github.com/hashicorp/go-multierror"
	uuid "github.com/hashicorp/go-uuid"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
)

// minRetryInterval is the floor spec 4.13 places on retry-join: even a
// misconfigured RetryInterval of zero must not busy-loop.
const minRetryInterval = 1 * time.Second

// discoverSeeds asks the configured Lighthouse-style endpoint for a
// JSON array of additional seed addresses. The endpoint is treated as
// an opaque, possibly-flaky collaborator: requests are retried with
// backoff rather than failed fast.
func (a *Agent) discoverSeeds(ctx context.Context) ([]string, error) {
	if a.agentConf.DiscoveryURL == "" {
		return nil, nil
	}

	reqID, err := uuid.GenerateUUID()
	if err != nil {
		reqID = ""
	}

	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = 3

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, a.agentConf.DiscoveryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("agent: failed to build discovery request: %w", err)
	}
	if reqID != "" {
		req.Header.Set("X-Nserf-Request-Id", reqID)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent: discovery request failed: %w", err)
	}
	defer resp.Body.Close()

	var addrs []string
	if err := json.NewDecoder(resp.Body).Decode(&addrs); err != nil {
		return nil, fmt.Errorf("agent: failed to decode discovery response: %w", err)
	}
	return addrs, nil
}

// retryJoin runs in the background from Start, attempting to join
// RetryJoin (plus whatever the discovery endpoint returns) until it
// succeeds once, RetryMaxAttempts is exhausted (0 means unbounded), or
// the agent shuts down.
func (a *Agent) retryJoin() {
	if len(a.agentConf.RetryJoin) == 0 && a.agentConf.DiscoveryURL == "" {
		return
	}

	interval := a.agentConf.RetryInterval
	if interval < minRetryInterval {
		interval = minRetryInterval
	}

	attempt := 0
	for {
		attempt++

		seeds := append([]string{}, a.agentConf.RetryJoin...)
		if discovered, err := a.discoverSeeds(context.Background()); err != nil {
			a.logger.Printf("[WARN] agent: discovery lookup failed: %v", err)
		} else {
			seeds = append(seeds, discovered...)
		}

		n, err := a.Join(seeds, !a.agentConf.ReplayOnJoin)
		if err == nil && n > 0 {
			a.logger.Printf("[INFO] agent: retry-join succeeded after %d attempt(s)", attempt)
			return
		}

		joinErr := multierror.Append(fmt.Errorf("agent: retry-join attempt %d failed", attempt), err)
		a.logger.Printf("[WARN] agent: %v", joinErr)

		if a.agentConf.RetryMaxAttempts > 0 && attempt >= a.agentConf.RetryMaxAttempts {
			a.logger.Printf("[ERR] agent: retry-join failed after %d attempts, giving up", attempt)
			return
		}

		select {
		case <-time.After(interval):
		case <-a.shutdownCh:
			return
		}
	}
}
