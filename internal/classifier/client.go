// Package classifier talks to the crib classification model over HTTP.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/cribwatch/internal/detection"
	"github.com/mikeyg42/cribwatch/internal/frame"
)

// Config points the client at the model service.
type Config struct {
	URL          string        `mapstructure:"url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// Response is the model service reply. ID is 1 (in crib), 0 (not in crib)
// or -1 with Message describing the failure. A reply without an id is
// indeterminate.
type Response struct {
	ID      *int   `json:"id"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// StatusError is a non-2xx reply from the model service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("classifier returned %d: %s", e.StatusCode, e.Body)
}

// Client implements detection.Classifier.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New builds a client. A nil httpClient uses one bounded by cfg.Timeout.
func New(cfg Config, httpClient *http.Client) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("classifier url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		cfg:    cfg,
		http:   httpClient,
		logger: zap.L().Named("classifier"),
	}, nil
}

// Classify posts the still's JPEG bytes and maps the reply to a verdict.
// Transport failures and 5xx replies are retried; the final error is
// returned for the caller to turn into an indeterminate verdict.
func (c *Client) Classify(ctx context.Context, still *frame.Frame) (detection.Verdict, error) {
	var resp Response

	op := func() error {
		r, err := c.post(ctx, still.Data)
		if err != nil {
			var serr *StatusError
			if errors.As(err, &serr) && serr.StatusCode < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	}

	ebo := backoff.NewExponentialBackOff()
	if c.cfg.RetryBackoff > 0 {
		ebo.InitialInterval = c.cfg.RetryBackoff
	}
	ebo.Reset()
	b := backoff.WithContext(backoff.WithMaxRetries(ebo, uint64(c.cfg.MaxRetries)), ctx)

	notify := func(err error, wait time.Duration) {
		c.logger.Debug("Classifier request failed, retrying", zap.Error(err), zap.Duration("wait", wait))
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return detection.Verdict{}, err
	}

	return toVerdict(resp), nil
}

func (c *Client) post(ctx context.Context, jpeg []byte) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(jpeg))
	if err != nil {
		return Response{}, backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if err != nil {
		return Response{}, fmt.Errorf("failed to read response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return Response{}, &StatusError{StatusCode: res.StatusCode, Body: string(bytes.TrimSpace(body))}
	}

	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		return Response{}, backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
	}
	return out, nil
}

func toVerdict(r Response) detection.Verdict {
	if r.ID == nil {
		reason := "missing classifier id"
		if r.Error != "" {
			reason += ": " + r.Error
		}
		return detection.IndeterminateVerdict(reason)
	}
	switch *r.ID {
	case int(detection.InCrib):
		return detection.InCribVerdict()
	case int(detection.NotInCrib):
		return detection.NotInCribVerdict()
	default:
		reason := r.Message
		if reason == "" {
			reason = r.Error
		}
		if reason == "" {
			reason = fmt.Sprintf("unexpected classifier id %d", *r.ID)
		}
		return detection.IndeterminateVerdict(reason)
	}
}

var _ detection.Classifier = (*Client)(nil)
