// Package upstream is the HTTP client of the OGx gateway web service.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/ogx-gateway/internal/convert"
	"github.com/and161185/ogx-gateway/internal/errs"
	"github.com/and161185/ogx-gateway/internal/model"
	"github.com/and161185/ogx-gateway/internal/ogx"
	"github.com/and161185/ogx-gateway/internal/validation"
)

// Gateway endpoints, relative to the base URL.
const (
	pathToken    = "/auth/token"
	pathSubmit   = "/submit/messages"
	pathStatuses = "/get/fw_statuses"
)

const maxBodyBytes = 1 << 20

// Grant is an issued access token.
type Grant struct {
	AccessToken string
	// ExpiresIn is zero when the gateway did not state a lifetime.
	ExpiresIn time.Duration
}

// Client talks to the gateway. It is safe for concurrent use.
type Client struct {
	base string
	hc   *http.Client
	log  *zap.Logger
	now  func() time.Time
}

// New constructs a client for baseURL. A nil hc gets a client with the
// default attempt timeout.
func New(baseURL string, hc *http.Client, log *zap.Logger) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: ogx.DefaultAttemptTimeout}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), hc: hc, log: log, now: time.Now}
}

// AcquireToken exchanges client credentials for an access token. ttl asks
// for a specific lifetime; zero leaves it to the gateway.
func (c *Client) AcquireToken(ctx context.Context, clientID, secret string, ttl time.Duration) (Grant, error) {
	form := url.Values{
		"client_id":     {clientID},
		"client_secret": {secret},
		"grant_type":    {"client_credentials"},
	}
	if ttl > 0 {
		form.Set("expires_in", strconv.FormatInt(int64(ttl/time.Second), 10))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+pathToken, strings.NewReader(form.Encode()))
	if err != nil {
		return Grant{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var body convert.TokenResponse
	if _, err := c.do(req, &body); err != nil {
		// Bad credentials come back as 400 from the token endpoint.
		var oe *ogx.Error
		if errors.As(err, &oe) && oe.Kind == ogx.KindProtocol && oe.HTTPStatus == http.StatusBadRequest {
			return Grant{}, ogx.NewAuthenticationError(ogx.CodeUnauthorized, oe.HTTPStatus, errs.ErrUnauthorized)
		}
		return Grant{}, err
	}
	if body.AccessToken == "" {
		return Grant{}, ogx.NewEncodingError(ogx.CodeDecodeError, "token response without access_token", nil)
	}
	return Grant{AccessToken: body.AccessToken, ExpiresIn: time.Duration(body.ExpiresIn) * time.Second}, nil
}

// Submit sends one to-mobile message and returns the gateway's forward id.
func (c *Client) Submit(ctx context.Context, token string, sub convert.Submission) (string, error) {
	raw, err := json.Marshal([]convert.Submission{sub})
	if err != nil {
		return "", ogx.NewEncodingError(ogx.CodeEncodeError, "submission", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+pathSubmit, bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	var body convert.SubmitResponse
	h, err := c.do(req, &body)
	if err != nil {
		return "", err
	}
	if err := gatewayError(body.ErrorID, h); err != nil {
		return "", err
	}
	if len(body.Submissions) == 0 {
		return "", ogx.NewEncodingError(ogx.CodeDecodeError, "submit response without submissions", nil)
	}
	res := body.Submissions[0]
	if err := gatewayError(res.ErrorID, h); err != nil {
		return "", err
	}
	return convert.GatewayID(res.ForwardMessageID), nil
}

// Statuses asks for the state of up to 100 forward messages.
func (c *Client) Statuses(ctx context.Context, token string, gatewayIDs []string) ([]model.StatusUpdate, error) {
	if err := validation.ValidateFilter(validation.Filter{ForwardIDs: gatewayIDs}, c.now()); err != nil {
		return nil, err
	}
	q := url.Values{"ForwardIDs": {strings.Join(gatewayIDs, ",")}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+pathStatuses+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	var body convert.StatusResponse
	h, err := c.do(req, &body)
	if err != nil {
		return nil, err
	}
	if err := gatewayError(body.ErrorID, h); err != nil {
		return nil, err
	}
	out, err := convert.FromWireStatuses(body.Statuses, c.now())
	if err != nil {
		return nil, ogx.NewEncodingError(ogx.CodeDecodeError, "status response", err)
	}
	return out, nil
}

// do executes req, maps HTTP failures onto the error taxonomy and decodes
// a successful JSON body into out. It returns the response headers.
func (c *Client) do(req *http.Request, out any) (http.Header, error) {
	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		c.log.Warn("upstream call failed", zap.String("path", req.URL.Path), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", errs.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", errs.ErrUpstreamUnavailable, err)
	}
	c.log.Debug("upstream call",
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	if err := statusError(resp); err != nil {
		return resp.Header, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return resp.Header, ogx.NewEncodingError(ogx.CodeDecodeError, req.URL.Path, err)
	}
	return resp.Header, nil
}

func statusError(resp *http.Response) error {
	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ogx.NewAuthenticationError(ogx.CodeUnauthorized, code, errs.ErrUnauthorized)
	case code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable:
		e := ogx.NewRateLimitError(ogx.CodeThrottled, RetryAfter(resp.Header), errs.ErrRateLimited)
		e.HTTPStatus = code
		return e
	case code >= 500:
		return fmt.Errorf("%w: HTTP %d", errs.ErrUpstreamUnavailable, code)
	default:
		return &ogx.Error{
			Kind:       ogx.KindProtocol,
			Code:       ogx.CodeUpstreamStatus,
			Detail:     fmt.Sprintf("HTTP %d", code),
			HTTPStatus: code,
		}
	}
}

// gatewayError converts a non-zero ErrorID in a response body.
func gatewayError(id int, h http.Header) error {
	if id == 0 {
		return nil
	}
	e, ok := ogx.FromGatewayErrorID(id)
	if !ok {
		return &ogx.Error{
			Kind:           ogx.KindProtocol,
			Code:           ogx.CodeGatewayRejected,
			Detail:         fmt.Sprintf("gateway error %d", id),
			GatewayErrorID: id,
		}
	}
	switch {
	case e.Kind.IsA(ogx.KindAuthentication):
		e.Err = errs.ErrUnauthorized
	case e.Kind.IsA(ogx.KindRateLimit):
		e.Err = errs.ErrRateLimited
		e.RetryAfter = RetryAfter(h)
	}
	return e
}

// RetryAfter parses a Retry-After header given in seconds or as an HTTP date.
func RetryAfter(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return max(time.Duration(secs)*time.Second, 0)
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(time.Until(t), 0)
	}
	return 0
}
