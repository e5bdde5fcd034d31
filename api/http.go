package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/ratelimit"

	"zecret/crypto"
	"zecret/models"
)

const (
	defaultRequestTimeout = 15 * time.Second
	defaultReadRetries    = 2
	maxResponseBytes      = 16 << 20
)

// HTTPOptions configures an HTTPClient.
type HTTPOptions struct {
	BaseURL string
	Token   string

	// HTTPClient defaults to a client with RequestTimeout.
	HTTPClient     *http.Client
	RequestTimeout time.Duration

	// ReadRetries bounds retries of idempotent reads on transport errors and
	// 429/5xx responses. Submissions are never retried. Negative disables.
	ReadRetries int
	// RequestsPerSecond caps the outbound request rate. Zero disables.
	RequestsPerSecond int

	Logger *logrus.Logger
}

// HTTPClient implements Client over the relay's JSON HTTP API.
type HTTPClient struct {
	baseURL *url.URL
	token   string
	http    *http.Client
	retries int
	limiter ratelimit.Limiter
	log     *logrus.Entry
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient validates options and returns a client.
func NewHTTPClient(opts HTTPOptions) (*HTTPClient, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, errors.New("api: base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "api: parse base URL")
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, errors.Errorf("api: unsupported base URL scheme %q", base.Scheme)
	}

	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.RequestTimeout}
	}
	retries := opts.ReadRetries
	if retries == 0 {
		retries = defaultReadRetries
	}
	if retries < 0 {
		retries = 0
	}
	limiter := ratelimit.NewUnlimited()
	if opts.RequestsPerSecond > 0 {
		limiter = ratelimit.New(opts.RequestsPerSecond)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &HTTPClient{
		baseURL: base,
		token:   opts.Token,
		http:    client,
		retries: retries,
		limiter: limiter,
		log:     logger.WithField("component", "api"),
	}, nil
}

type submitResponse struct {
	ID      ID     `json:"id"`
	Message string `json:"message"`
}

type historyResponse struct {
	Messages []StoredEnvelope `json:"messages"`
}

type publicKeyResponse struct {
	PublicKey string `json:"public_key"`
}

type onlineUsersResponse struct {
	Users []models.User `json:"users"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// SubmitMessage posts the envelope to /api/messages. Failures are returned
// as *PersistenceError.
func (c *HTTPClient) SubmitMessage(ctx context.Context, envelope crypto.SealedEnvelope) (string, error) {
	if err := envelope.Validate(); err != nil {
		return "", &PersistenceError{Err: err}
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return "", &PersistenceError{Err: errors.Wrap(err, "encode envelope")}
	}

	var resp submitResponse
	if err := c.do(ctx, http.MethodPost, "/api/messages", nil, body, &resp); err != nil {
		return "", &PersistenceError{Err: err}
	}
	if resp.ID == "" {
		return "", &PersistenceError{Err: errors.New("response carries no message id")}
	}
	return string(resp.ID), nil
}

// FetchHistory gets /api/messages?user_id=peerID.
func (c *HTTPClient) FetchHistory(ctx context.Context, peerID string) ([]StoredEnvelope, error) {
	if peerID == "" {
		return nil, errors.New("api: peer id is required")
	}
	query := url.Values{"user_id": []string{peerID}}

	var resp historyResponse
	if err := c.read(ctx, "/api/messages", query, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// PublicKey gets /api/users/{id}/public-key.
func (c *HTTPClient) PublicKey(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", errors.New("api: user id is required")
	}

	var resp publicKeyResponse
	if err := c.read(ctx, "/api/users/"+url.PathEscape(userID)+"/public-key", nil, &resp); err != nil {
		return "", err
	}
	if resp.PublicKey == "" {
		return "", errors.Errorf("api: no public key for %q", userID)
	}
	return resp.PublicKey, nil
}

// OnlineUsers gets /api/users/online.
func (c *HTTPClient) OnlineUsers(ctx context.Context) ([]models.User, error) {
	var resp onlineUsersResponse
	if err := c.read(ctx, "/api/users/online", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Users, nil
}

func (c *HTTPClient) read(ctx context.Context, path string, query url.Values, out interface{}) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.retries)),
		ctx,
	)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := c.do(ctx, http.MethodGet, path, query, nil, out)
		if err == nil {
			return nil
		}

		var statusErr *StatusError
		if errors.As(err, &statusErr) && !statusErr.Temporary() {
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}

		c.log.WithFields(logrus.Fields{
			"function": "read",
			"path":     path,
			"attempt":  attempt,
		}).WithError(err).Debug("Request failed")
		return err
	}, policy)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body []byte, out interface{}) error {
	target := *c.baseURL
	target.Path = c.baseURL.Path + path
	target.RawQuery = query.Encode()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return errors.Wrap(err, "api: build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	c.limiter.Take()
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "api: %s %s", method, path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return errors.Wrapf(err, "api: read %s %s response", method, path)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr errorResponse
		_ = json.Unmarshal(raw, &apiErr)
		return &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Message:    apiErr.Error,
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrapf(err, "api: decode %s %s response", method, path)
	}
	return nil
}
