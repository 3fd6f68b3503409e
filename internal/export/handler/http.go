package handler

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pulseone/pulseone/internal/domain"
	"github.com/pulseone/pulseone/internal/logging"
)

func init() {
	RegisterFactory(domain.TargetHTTP, func() Handler { return &HTTPHandler{} })
}

// httpAuth config, spec §6's HTTP config schema auth sub-object.
type httpAuth struct {
	Type           string `json:"type"` // none|bearer|basic|api_key
	BearerToken    string `json:"bearer_token,omitempty"`
	BasicUsername  string `json:"basic_username,omitempty"`
	BasicPassword  string `json:"basic_password,omitempty"`
	APIKey         string `json:"api_key,omitempty"`
	APIKeyHeader   string `json:"api_key_header,omitempty"`
}

// httpConfig is the HTTP target's config bag (spec §6).
type httpConfig struct {
	URL               string            `json:"url"`
	Method            string            `json:"method"`
	Auth              httpAuth          `json:"auth"`
	Headers           map[string]string `json:"headers"`
	BodyFormat        string            `json:"body_format"` // json|xml|form
	BodyTemplate      string            `json:"body_template"`
	MaxAttempts       int               `json:"max_attempts"`
	InitialDelayMS    int               `json:"initial_delay_ms"`
	MaxDelayMS        int               `json:"max_delay_ms"`
	BackoffMultiplier float64           `json:"backoff_multiplier"`
	TimeoutMS         int               `json:"timeout_ms"`
	VerifySSL         *bool             `json:"verify_ssl"`
	SigningSecret     string            `json:"signing_secret,omitempty"`
	// AllowPrivateNetworks permits delivery to loopback/private/link-local
	// addresses. Off by default; industrial deployments that export to an
	// on-prem bridge or SCADA gateway on the private network need to set
	// this explicitly.
	AllowPrivateNetworks bool `json:"allow_private_networks,omitempty"`
}

func (c *httpConfig) withDefaults() {
	if c.Method == "" {
		c.Method = http.MethodPost
	}
	if c.BodyFormat == "" {
		c.BodyFormat = "json"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialDelayMS <= 0 {
		c.InitialDelayMS = 500
	}
	if c.MaxDelayMS <= 0 {
		c.MaxDelayMS = 30000
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = 2.0
	}
	if c.TimeoutMS <= 0 {
		c.TimeoutMS = 10000
	}
}

// HTTPHandler delivers alarm/value payloads over HTTP with retry and
// backoff, grounded on the eventbus webhook delivery path: SSRF outbound
// ACL, HMAC-SHA256 request signing, redirect-limited client, capped
// response body read.
type HTTPHandler struct {
	mu     sync.Mutex
	cfg    httpConfig
	client *http.Client

	sendCount    atomic.Int64
	successCount atomic.Int64
	failureCount atomic.Int64
}

func (h *HTTPHandler) Initialize(config json.RawMessage) error {
	var cfg httpConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return fmt.Errorf("http handler: invalid config: %w", err)
	}
	cfg.withDefaults()

	h.mu.Lock()
	h.cfg = cfg
	h.client = &http.Client{
		Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}
	h.mu.Unlock()
	return nil
}

func (h *HTTPHandler) ValidateConfig(config json.RawMessage) []string {
	var cfg httpConfig
	var errs []string
	if err := json.Unmarshal(config, &cfg); err != nil {
		return []string{fmt.Sprintf("invalid json: %v", err)}
	}
	if cfg.URL == "" {
		errs = append(errs, "url is required")
	}
	if cfg.BodyFormat != "" && cfg.BodyFormat != "json" && cfg.BodyFormat != "xml" && cfg.BodyFormat != "form" {
		errs = append(errs, "body_format must be one of json, xml, form")
	}
	switch cfg.Auth.Type {
	case "", "none":
	case "bearer":
		if cfg.Auth.BearerToken == "" {
			errs = append(errs, "auth.bearer_token is required for bearer auth")
		}
	case "basic":
		if cfg.Auth.BasicUsername == "" {
			errs = append(errs, "auth.basic_username is required for basic auth")
		}
	case "api_key":
		if cfg.Auth.APIKey == "" || cfg.Auth.APIKeyHeader == "" {
			errs = append(errs, "auth.api_key and auth.api_key_header are required for api_key auth")
		}
	default:
		errs = append(errs, "auth.type must be one of none, bearer, basic, api_key")
	}
	return errs
}

func (h *HTTPHandler) SendAlarm(ctx context.Context, alarm AlarmPayload) (domain.TargetSendResult, error) {
	vars := templateVarsForAlarm(alarm)
	return h.send(ctx, vars, alarm.Value)
}

func (h *HTTPHandler) SendValue(ctx context.Context, value ValuePayload) (domain.TargetSendResult, error) {
	vars := templateVarsForValue(value)
	return h.send(ctx, vars, value.Value)
}

func (h *HTTPHandler) send(ctx context.Context, vars map[string]string, rawValue float64) (domain.TargetSendResult, error) {
	h.mu.Lock()
	cfg := h.cfg
	client := h.client
	h.mu.Unlock()

	if client == nil {
		return domain.TargetSendResult{Success: false, ErrorMessage: "handler not initialized"}, fmt.Errorf("http handler: not initialized")
	}

	if !cfg.AllowPrivateNetworks {
		if err := checkOutboundACL(cfg.URL); err != nil {
			return domain.TargetSendResult{Success: false, ErrorMessage: err.Error()}, err
		}
	}

	body, contentType, err := buildBody(cfg, vars, rawValue)
	if err != nil {
		return domain.TargetSendResult{Success: false, ErrorMessage: err.Error()}, err
	}

	h.sendCount.Add(1)

	var lastErr error
	var result domain.TargetSendResult
	delay := time.Duration(cfg.InitialDelayMS) * time.Millisecond
	maxDelay := time.Duration(cfg.MaxDelayMS) * time.Millisecond

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		start := time.Now()
		result, lastErr = h.doOnce(ctx, cfg, body, contentType)
		result.ResponseTime = time.Since(start).Milliseconds()
		result.RetryCount = attempt - 1
		result.ContentSize = len(body)
		result.Timestamp = time.Now().UnixMilli()

		if lastErr == nil {
			h.successCount.Add(1)
			return result, nil
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			h.failureCount.Add(1)
			result.ErrorMessage = ctx.Err().Error()
			return result, ctx.Err()
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
		if delay > maxDelay {
			delay = maxDelay
		}
	}

	h.failureCount.Add(1)
	logging.Op().Warn("http handler: send failed after retries", "url", cfg.URL, "attempts", cfg.MaxAttempts, "error", lastErr)
	return result, lastErr
}

func (h *HTTPHandler) doOnce(ctx context.Context, cfg httpConfig, body []byte, contentType string) (domain.TargetSendResult, error) {
	req, err := http.NewRequestWithContext(ctx, cfg.Method, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return domain.TargetSendResult{Success: false, ErrorMessage: err.Error()}, err
	}

	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", "PulseOne-Export/1.0")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	applyAuth(req, cfg.Auth)

	if cfg.SigningSecret != "" {
		timestamp := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set("X-PulseOne-Signature", signPayload(cfg.SigningSecret, timestamp, body))
		req.Header.Set("X-PulseOne-Timestamp", timestamp)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return domain.TargetSendResult{Success: false, ErrorMessage: err.Error(), SentPayload: string(body)}, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxHTTPResponseBody))
	result := domain.TargetSendResult{
		StatusCode:   resp.StatusCode,
		ResponseBody: string(respBody),
		SentPayload:  string(body),
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("http handler: non-2xx status %d", resp.StatusCode)
		result.Success = false
		result.ErrorMessage = err.Error()
		return result, err
	}

	result.Success = true
	return result, nil
}

func (h *HTTPHandler) TestConnection(ctx context.Context) error {
	h.mu.Lock()
	cfg := h.cfg
	h.mu.Unlock()
	if !cfg.AllowPrivateNetworks {
		if err := checkOutboundACL(cfg.URL); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, cfg.URL, nil)
	if err != nil {
		return err
	}
	applyAuth(req, cfg.Auth)
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

func (h *HTTPHandler) GetStatus() json.RawMessage {
	status := struct {
		SendCount    int64 `json:"send_count"`
		SuccessCount int64 `json:"success_count"`
		FailureCount int64 `json:"failure_count"`
	}{
		SendCount:    h.sendCount.Load(),
		SuccessCount: h.successCount.Load(),
		FailureCount: h.failureCount.Load(),
	}
	out, _ := json.Marshal(status)
	return out
}

func (h *HTTPHandler) Cleanup() error { return nil }

func applyAuth(req *http.Request, auth httpAuth) {
	switch auth.Type {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+auth.BearerToken)
	case "basic":
		req.SetBasicAuth(auth.BasicUsername, auth.BasicPassword)
	case "api_key":
		req.Header.Set(auth.APIKeyHeader, auth.APIKey)
	}
}

func buildBody(cfg httpConfig, vars map[string]string, rawValue float64) (body []byte, contentType string, err error) {
	switch cfg.BodyFormat {
	case "xml":
		payload := expandTemplate(cfg.BodyTemplate, vars)
		if payload == "" {
			type xmlPayload struct {
				XMLName xml.Name `xml:"event"`
				Value   string   `xml:"value"`
			}
			b, err := xml.Marshal(xmlPayload{Value: vars["value"]})
			return b, "application/xml", err
		}
		return []byte(payload), "application/xml", nil
	case "form":
		values := url.Values{}
		for k, v := range vars {
			values.Set(k, v)
		}
		return []byte(values.Encode()), "application/x-www-form-urlencoded", nil
	default:
		if cfg.BodyTemplate != "" {
			return []byte(expandTemplate(cfg.BodyTemplate, vars)), "application/json", nil
		}
		b, err := json.Marshal(vars)
		return b, "application/json", err
	}
}

const maxHTTPResponseBody = 64 * 1024

func signPayload(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "v1=" + hex.EncodeToString(mac.Sum(nil))
}

// checkOutboundACL rejects URLs that resolve to loopback/private/reserved
// networks (SSRF protection), mirroring the eventbus webhook delivery path.
func checkOutboundACL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("blocked: only http/https schemes allowed, got %s", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("blocked: empty hostname")
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("dns resolution failed for %s: %w", host, err)
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
			ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("blocked: %s resolves to private/reserved ip %s", host, ip)
		}
	}
	return nil
}
