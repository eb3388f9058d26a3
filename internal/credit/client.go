package credit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	defaultRequestTimeout = 15 * time.Second
	maxResponseBytes      = 1 << 20
)

// ErrUnsupportedRegion is returned for regions without a lookup endpoint.
var ErrUnsupportedRegion = errors.New("credit: unsupported region")

// Config configures the credit lookup client.
type Config struct {
	// Endpoints maps a region to its commerce endpoint.
	Endpoints       map[string]string
	DefaultEndpoint string
	RatePerSecond   float64
	Burst           int
	Timeout         time.Duration
}

// Client queries the upstream commerce API for an account's credit balance.
type Client struct {
	endpoints       map[string]string
	defaultEndpoint string
	client          *http.Client
	limiter         *rate.Limiter
}

// NewClient constructs a credit client. A nil httpClient uses a default one.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	endpoints := make(map[string]string, len(cfg.Endpoints))
	for region, endpoint := range cfg.Endpoints {
		region = strings.ToLower(strings.TrimSpace(region))
		endpoint = strings.TrimSpace(endpoint)
		if region != "" && endpoint != "" {
			endpoints[region] = endpoint
		}
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		endpoints:       endpoints,
		defaultEndpoint: strings.TrimSpace(cfg.DefaultEndpoint),
		client:          httpClient,
		limiter:         rate.NewLimiter(limit, burst),
	}
}

// creditResponse mirrors the fields read from the commerce response.
type creditResponse struct {
	Ret    json.Number `json:"ret"`
	Errmsg string      `json:"errmsg"`
	Data   struct {
		Credit struct {
			GiftCredit     float64 `json:"gift_credit"`
			PurchaseCredit float64 `json:"purchase_credit"`
			VIPCredit      float64 `json:"vip_credit"`
		} `json:"credit"`
	} `json:"data"`
}

// Lookup returns the summed gift, purchase and vip credit for a session.
func (c *Client) Lookup(ctx context.Context, region, sessionID string) (float64, error) {
	if c == nil {
		return 0, fmt.Errorf("credit: client not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return 0, fmt.Errorf("credit: empty session id")
	}
	endpoint := c.endpointFor(region)
	if endpoint == "" {
		return 0, ErrUnsupportedRegion
	}
	if errWait := c.limiter.Wait(ctx); errWait != nil {
		return 0, fmt.Errorf("credit: throttle: %w", errWait)
	}

	req, errReq := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader([]byte(`{}`)))
	if errReq != nil {
		return 0, fmt.Errorf("credit: build request: %w", errReq)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cookie", SessionCookie(sessionID))

	resp, errDo := c.client.Do(req)
	if errDo != nil {
		return 0, fmt.Errorf("credit: request failed: %w", errDo)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.WithError(errClose).Warn("credit: close response body failed")
		}
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return 0, fmt.Errorf("credit: unexpected status %d", resp.StatusCode)
	}
	body, errRead := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if errRead != nil {
		return 0, fmt.Errorf("credit: read response: %w", errRead)
	}
	var payload creditResponse
	if errUnmarshal := json.Unmarshal(body, &payload); errUnmarshal != nil {
		return 0, fmt.Errorf("credit: decode response: %w", errUnmarshal)
	}
	if ret := strings.TrimSpace(payload.Ret.String()); ret != "" && ret != "0" {
		return 0, fmt.Errorf("credit: upstream error ret=%s: %s", ret, payload.Errmsg)
	}

	credit := payload.Data.Credit
	total := credit.GiftCredit + credit.PurchaseCredit + credit.VIPCredit
	if total < 0 {
		total = 0
	}
	return total, nil
}

func (c *Client) endpointFor(region string) string {
	region = strings.ToLower(strings.TrimSpace(region))
	if region == "" {
		return ""
	}
	if endpoint, ok := c.endpoints[region]; ok {
		return endpoint
	}
	return c.defaultEndpoint
}

// SessionCookie builds the cookie header the commerce API authenticates with.
func SessionCookie(sessionID string) string {
	return fmt.Sprintf("sessionid=%s; sessionid_ss=%s; sid_tt=%s", sessionID, sessionID, sessionID)
}
