package proxy

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/router-for-me/DreaminaPoolProxy/internal/auth"
	"github.com/router-for-me/DreaminaPoolProxy/internal/metrics"
	"github.com/router-for-me/DreaminaPoolProxy/internal/models"
	"github.com/router-for-me/DreaminaPoolProxy/internal/settings"
	log "github.com/sirupsen/logrus"
)

// HeaderRequestID carries the per-request id in both directions.
const HeaderRequestID = "X-Request-ID"

// hopByHopHeaders are never copied to the upstream request.
var hopByHopHeaders = map[string]struct{}{
	"host":                {},
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailers":            {},
	"transfer-encoding":   {},
	"upgrade":             {},
	"content-length":      {},
	"accept-encoding":     {},
	"authorization":       {},
}

// responseSkipHeaders are recomputed by the server when writing the response.
var responseSkipHeaders = map[string]struct{}{
	"connection":        {},
	"keep-alive":        {},
	"transfer-encoding": {},
	"content-length":    {},
	"trailer":           {},
	"upgrade":           {},
}

// banStatuses mark the serving account as temporarily unusable.
var banStatuses = map[int]struct{}{
	http.StatusTooManyRequests:     {},
	http.StatusInternalServerError: {},
	524:                            {},
}

// Picker selects an account for a model.
type Picker interface {
	Pick(ctx context.Context, model string) (*models.Account, error)
}

// Effects schedules post-response account updates.
type Effects interface {
	ScheduleUsage(accountID uint64, model string) bool
	ScheduleBan(accountID uint64) bool
}

// Forwarder relays /v1 requests upstream through a pooled account.
type Forwarder struct {
	picker   Picker
	effects  Effects
	settings *settings.Holder
	client   *http.Client
	metrics  *metrics.Metrics
}

// NewForwarder constructs a Forwarder. A nil client uses one without a global
// timeout that hands redirects back to the caller; the live PROXY_TIMEOUT
// bounds each call instead.
func NewForwarder(picker Picker, effects Effects, holder *settings.Holder, client *http.Client, m *metrics.Metrics) *Forwarder {
	if client == nil {
		client = &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return &Forwarder{
		picker:   picker,
		effects:  effects,
		settings: holder,
		client:   client,
		metrics:  m,
	}
}

// Register mounts the proxy surface on engine.
func (f *Forwarder) Register(engine *gin.Engine) {
	engine.Any("/v1/*path", f.Handle)
}

// Handle forwards one request.
func (f *Forwarder) Handle(c *gin.Context) {
	requestID := strings.TrimSpace(c.GetHeader(HeaderRequestID))
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header(HeaderRequestID, requestID)
	entry := log.WithFields(log.Fields{
		"request_id": requestID,
		"method":     c.Request.Method,
		"path":       c.Request.URL.Path,
	})

	cfg := f.settings.Load()
	if !authorized(c.GetHeader("Authorization"), cfg.AdminToken) {
		entry.Warn("proxy: rejected caller token")
		f.metrics.ObserveProxy(models.ModelUnknown, CodeUnauthorized, http.StatusUnauthorized, 0)
		writeError(c, &Error{Code: CodeUnauthorized, Message: "missing or invalid bearer token"})
		return
	}

	var body []byte
	if carriesBody(c.Request.Method) && c.Request.Body != nil {
		read, errRead := io.ReadAll(c.Request.Body)
		if errRead != nil {
			entry.WithError(errRead).Warn("proxy: read request body failed")
			f.metrics.ObserveProxy(models.ModelUnknown, CodeBadRequest, http.StatusBadRequest, 0)
			writeError(c, &Error{Code: CodeBadRequest, Message: "read request body failed", Err: errRead})
			return
		}
		body = read
	}
	model := ExtractModel(body)
	entry = entry.WithField("model", model)

	account, errPick := f.picker.Pick(c.Request.Context(), model)
	if errPick != nil {
		if errors.Is(errPick, auth.ErrNoCapacity) {
			entry.Warn("proxy: no eligible account")
			f.metrics.ObserveProxy(model, CodeNoCapacity, http.StatusServiceUnavailable, 0)
			writeError(c, &Error{Code: CodeNoCapacity, Message: "no available accounts for model " + model})
			return
		}
		entry.WithError(errPick).Error("proxy: account selection failed")
		f.metrics.ObserveProxy(model, CodeInternal, http.StatusInternalServerError, 0)
		writeError(c, &Error{Code: CodeInternal, Message: "account selection failed", Err: errPick})
		return
	}
	entry = entry.WithField("account_id", account.ID)

	ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.ProxyTimeout)
	defer cancel()

	upstreamReq, errBuild := f.buildUpstreamRequest(ctx, c, cfg, account, body)
	if errBuild != nil {
		entry.WithError(errBuild).Error("proxy: build upstream request failed")
		writeError(c, &Error{Code: CodeInternal, Message: "build upstream request failed", Err: errBuild})
		return
	}

	started := time.Now()
	resp, errDo := f.client.Do(upstreamReq)
	if errDo != nil {
		entry.WithError(errDo).Error("proxy: upstream unreachable")
		f.metrics.ObserveProxy(model, CodeUpstreamUnreachable, http.StatusBadGateway, time.Since(started).Seconds())
		writeError(c, &Error{Code: CodeUpstreamUnreachable, Message: "upstream request failed", Err: errDo})
		return
	}
	respBody, errRead := io.ReadAll(resp.Body)
	if errClose := resp.Body.Close(); errClose != nil {
		entry.WithError(errClose).Debug("proxy: close upstream body failed")
	}
	if errRead != nil {
		entry.WithError(errRead).Error("proxy: read upstream body failed")
		f.metrics.ObserveProxy(model, CodeUpstreamUnreachable, http.StatusBadGateway, time.Since(started).Seconds())
		writeError(c, &Error{Code: CodeUpstreamUnreachable, Message: "upstream response interrupted", Err: errRead})
		return
	}
	elapsed := time.Since(started).Seconds()
	entry = entry.WithField("status", resp.StatusCode)

	outcome := f.classify(entry, account.ID, model, resp.StatusCode)
	f.metrics.ObserveProxy(model, outcome, resp.StatusCode, elapsed)

	header := c.Writer.Header()
	for key, values := range resp.Header {
		if _, skip := responseSkipHeaders[strings.ToLower(key)]; skip {
			continue
		}
		header.Del(key)
		for _, value := range values {
			header.Add(key, value)
		}
	}
	c.Status(resp.StatusCode)
	if _, errWrite := c.Writer.Write(respBody); errWrite != nil {
		entry.WithError(errWrite).Debug("proxy: write response failed")
	}
}

// classify schedules the side effect for status and returns the metric outcome.
func (f *Forwarder) classify(entry *log.Entry, accountID uint64, model string, status int) string {
	if _, ban := banStatuses[status]; ban {
		entry.Warn("proxy: upstream error, banning account")
		if f.effects != nil {
			f.effects.ScheduleBan(accountID)
		}
		return "banned"
	}
	if status < http.StatusBadRequest {
		entry.Info("proxy: upstream ok")
		if f.effects != nil {
			f.effects.ScheduleUsage(accountID, model)
		}
		return "ok"
	}
	entry.Info("proxy: upstream client error")
	return "passthrough"
}

func (f *Forwarder) buildUpstreamRequest(ctx context.Context, c *gin.Context, cfg settings.Settings, account *models.Account, body []byte) (*http.Request, error) {
	target := strings.TrimRight(cfg.UpstreamBaseURL, "/") + "/v1" + c.Param("path")
	if rawQuery := c.Request.URL.RawQuery; rawQuery != "" {
		target += "?" + rawQuery
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, errReq := http.NewRequestWithContext(ctx, c.Request.Method, target, reader)
	if errReq != nil {
		return nil, errReq
	}
	for key, values := range c.Request.Header {
		if _, skip := hopByHopHeaders[strings.ToLower(key)]; skip {
			continue
		}
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	req.Header.Set("Authorization", "Bearer "+account.UpstreamToken())
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// ExtractModel reads the "model" field from a JSON body; anything else yields
// the unknown model.
func ExtractModel(body []byte) string {
	if len(bytes.TrimSpace(body)) == 0 {
		return models.ModelUnknown
	}
	var payload struct {
		Model json.RawMessage `json:"model"`
	}
	if errUnmarshal := json.Unmarshal(body, &payload); errUnmarshal != nil {
		return models.ModelUnknown
	}
	var model string
	if errModel := json.Unmarshal(payload.Model, &model); errModel != nil {
		return models.ModelUnknown
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return models.ModelUnknown
	}
	return model
}

func carriesBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	default:
		return false
	}
}

func authorized(header, token string) bool {
	const prefix = "Bearer "
	if token == "" || len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return false
	}
	presented := strings.TrimSpace(header[len(prefix):])
	return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
}

func writeError(c *gin.Context, err *Error) {
	c.AbortWithStatusJSON(err.StatusCode(), gin.H{
		"error": gin.H{
			"code":    err.Code,
			"message": err.Message,
		},
	})
}
