// carbon.go implements the grid-carbon-signal (MOER) client, grounded on
// original_source/aws/charge_scheduler_lambda.py's watttime_login /
// get_moer_percent: bearer-token auth with a one-shot re-authentication on
// 401, after which a failure degrades to "no signal" rather than failing
// the scheduler tick.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	sidechargeerrors "github.com/sidecharge/orchestrator/internal/sidecharge/errors"
)

// CarbonConfig configures the grid-carbon-signal HTTP client.
type CarbonConfig struct {
	LoginURL string
	MOERURL  string
	Username string
	Password string
	Timeout  time.Duration
}

// CarbonClient fetches the current marginal operating emissions rate
// (MOER) percentile, caching a bearer token across calls.
type CarbonClient struct {
	cfg    CarbonConfig
	client *http.Client
	log    *log.Logger

	mu    sync.Mutex
	token string
}

// NewCarbonClient constructs a CarbonClient with a bounded per-call
// timeout: every external call is subject to a 10 s per-call timeout.
func NewCarbonClient(cfg CarbonConfig) *CarbonClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &CarbonClient{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}, log: log.Default()}
}

// SetLogger overrides the CarbonClient's logger (used by cmd/sidecharged to
// tag output "[scheduler] " like every other long-running component).
func (c *CarbonClient) SetLogger(logger *log.Logger) {
	if logger != nil {
		c.log = logger
	}
}

// MOERPercent returns the current MOER percentile, or ok=false if the
// signal is unavailable (network failure, repeated 401). A failure here
// never fails the scheduler tick — the caller proceeds on TOU alone.
func (c *CarbonClient) MOERPercent(ctx context.Context) (percent float64, ok bool) {
	if c.cfg.LoginURL == "" || c.cfg.MOERURL == "" {
		return 0, false
	}

	token := c.cachedToken()
	if token == "" {
		var err error
		token, err = c.login(ctx)
		if err != nil {
			return 0, false
		}
	}

	percent, status, err := c.fetchMOER(ctx, token)
	if err == nil {
		return percent, true
	}
	if status != http.StatusUnauthorized {
		return 0, false
	}

	// One-shot re-authentication on 401, then give up on further failure.
	c.log.Print(sidechargeerrors.New(sidechargeerrors.AuthExpiry, "scheduler.moer_percent", fmt.Errorf("token expired, re-authenticating")))
	token, err = c.login(ctx)
	if err != nil {
		return 0, false
	}
	percent, _, err = c.fetchMOER(ctx, token)
	if err != nil {
		return 0, false
	}
	return percent, true
}

func (c *CarbonClient) cachedToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *CarbonClient) login(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.LoginURL, nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("carbon: login status %d", resp.StatusCode)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.token = body.Token
	c.mu.Unlock()
	return body.Token, nil
}

func (c *CarbonClient) fetchMOER(ctx context.Context, token string) (float64, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.MOERURL, nil)
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, resp.StatusCode, fmt.Errorf("carbon: moer status %d", resp.StatusCode)
	}

	var body struct {
		Percent float64 `json:"percent"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, resp.StatusCode, err
	}
	return body.Percent, resp.StatusCode, nil
}
