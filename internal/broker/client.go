package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/Rajchodisetti/alert-bridge/internal/failure"
)

// Config holds broker REST settings.
type Config struct {
	BaseURL     string
	ClientID    string
	AccessToken string
	Timeout     time.Duration
}

// Client talks to the broker's v2 REST API. Payload quirks (alternate field
// names, nested data envelopes) stop here; callers only see domain types.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.ClientID == "" || cfg.AccessToken == "" {
		return nil, errors.New("broker client id and access token are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, httpClient: &http.Client{Timeout: cfg.Timeout}}, nil
}

var errorHints = map[string]string{
	"DH-906": "exchange segment not enabled on the broker account",
}

type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if hint, ok := errorHints[strings.ToUpper(e.Code)]; ok {
		msg += " (" + hint + ")"
	}
	if e.Code != "" {
		return fmt.Sprintf("broker %s: %s", e.Code, msg)
	}
	return fmt.Sprintf("broker http %d: %s", e.Status, msg)
}

// do sends one request and decodes the JSON response into a generic map.
func (c *Client) do(ctx context.Context, method, path string, body any) (map[string]any, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "marshal broker request")
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, rdr)
	if err != nil {
		return nil, errors.Wrap(err, "build broker request")
	}
	req.Header.Set("access-token", c.cfg.AccessToken)
	req.Header.Set("client-id", c.cfg.ClientID)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classify(ctx, err, method+" "+path)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, classify(ctx, err, "read broker response")
	}

	out := map[string]any{}
	if len(bytes.TrimSpace(raw)) > 0 {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			if resp.StatusCode >= 300 {
				return nil, failure.Wrap(failure.KindDispatch, &apiError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}, method+" "+path)
			}
			return nil, failure.Wrap(failure.KindDispatch, err, "decode broker response")
		}
		switch t := v.(type) {
		case map[string]any:
			out = t
		case []any:
			out["data"] = t
		}
	}
	if resp.StatusCode >= 300 || isErrorPayload(out) {
		return nil, failure.Wrap(failure.KindDispatch, &apiError{
			Status:  resp.StatusCode,
			Code:    firstString(out, "errorCode", "error_code"),
			Message: firstString(out, "errorMessage", "error_message", "message", "remarks"),
		}, method+" "+path)
	}
	return out, nil
}

func classify(ctx context.Context, err error, op string) error {
	if ctx.Err() == context.DeadlineExceeded || isTimeout(err) {
		return failure.Wrap(failure.KindTimeout, err, op)
	}
	return failure.Wrap(failure.KindDispatch, err, op)
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

func isErrorPayload(m map[string]any) bool {
	if s, ok := m["status"].(string); ok && strings.EqualFold(s, "failure") {
		return true
	}
	if s, ok := m["errorType"].(string); ok && s != "" {
		return true
	}
	return false
}

// firstString walks m and any nested "data"/"remarks" objects for the first
// non-empty value under one of keys.
func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return trimFloat(v)
		}
	}
	for _, nested := range []string{"data", "remarks"} {
		if inner, ok := m[nested].(map[string]any); ok {
			if s := firstString(inner, keys...); s != "" {
				return s
			}
		}
	}
	return ""
}

func trimFloat(f float64) string {
	s := fmt.Sprintf("%f", f)
	s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	return s
}
