package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"pushattest/internal/domain"
	"pushattest/internal/engine"

	"github.com/google/uuid"
)

const (
	defaultBaseURL = "http://localhost:8090"
	maxBodyBytes   = 1 << 20
)

// Client talks to the push backend. It implements engine.Transport and
// engine.ChallengeSource.
type Client struct {
	baseURL     string
	http        *http.Client
	accessToken string
	log         *slog.Logger
}

type Options struct {
	Timeout     time.Duration
	AccessToken string
	Logger      *slog.Logger
	// HTTPClient overrides the default client; Timeout is ignored then.
	HTTPClient *http.Client
}

var (
	_ engine.Transport       = (*Client)(nil)
	_ engine.ChallengeSource = (*Client)(nil)
)

func NewClient(baseURL string, opts Options) *Client {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL:     base,
		http:        hc,
		accessToken: strings.TrimSpace(opts.AccessToken),
		log:         log,
	}
}

type challengeRequest struct {
	AccountID        string `json:"account_id"`
	DeviceToken      string `json:"device_token,omitempty"`
	ForceKeyRotation bool   `json:"force_key_rotation,omitempty"`
}

// FetchChallenge asks the backend for a new challenge. No proof is attached.
func (c *Client) FetchChallenge(ctx context.Context, req engine.ChallengeRequest) (domain.Challenge, error) {
	body, err := json.Marshal(challengeRequest{
		AccountID:        req.AccountID,
		DeviceToken:      req.DeviceToken,
		ForceKeyRotation: req.ForceKeyRotation,
	})
	if err != nil {
		return domain.Challenge{}, err
	}
	resp, err := c.do(ctx, engine.OutboundRequest{Method: http.MethodPost, Path: "/challenge", Body: body}, nil)
	if err != nil {
		return domain.Challenge{}, err
	}
	if resp.Status != http.StatusOK {
		return domain.Challenge{}, &domain.TransportError{Status: resp.Status, Body: engine.ErrorMessage(resp.Body)}
	}

	var ch domain.Challenge
	if err := json.Unmarshal(resp.Body, &ch); err != nil {
		return domain.Challenge{}, &domain.TransportError{Status: resp.Status, Err: fmt.Errorf("decode challenge: %w", err)}
	}
	if ch.Value == "" {
		return domain.Challenge{}, &domain.TransportError{Status: resp.Status, Err: errors.New("empty challenge")}
	}
	return ch, nil
}

// Send delivers a prepared operation with proof headers attached. Any HTTP
// status is returned as a Response; only network failures are errors.
func (c *Client) Send(ctx context.Context, req engine.OutboundRequest, proof http.Header) (*engine.Response, error) {
	return c.do(ctx, req, proof)
}

func (c *Client) do(ctx context.Context, out engine.OutboundRequest, extra http.Header) (*engine.Response, error) {
	start := time.Now()
	var body io.Reader
	if len(out.Body) > 0 {
		body = bytes.NewReader(out.Body)
	}
	req, err := http.NewRequestWithContext(ctx, out.Method, c.baseURL+out.Path, body)
	if err != nil {
		return nil, &domain.TransportError{Err: err}
	}
	for k, vs := range extra {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}
	rid := uuid.NewString()
	req.Header.Set("X-Request-Id", rid)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &domain.TransportError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &domain.TransportError{Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	c.log.Debug("backend call",
		slog.String("method", out.Method),
		slog.String("path", out.Path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
		slog.String("request_id", rid),
	)
	return &engine.Response{Status: resp.StatusCode, Body: data}, nil
}
