package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/LeventeLantos/automatic-mailing/internal/model"
)

const DefaultBaseURL = "https://probe.fbrq.cloud"

// Limiter admits one outbound call per Wait. *rate.Limiter satisfies it.
type Limiter interface {
	Wait(ctx context.Context) error
}

// NewLimiter allows perSecond calls per second with a burst of the same size.
// Build it once per process and share it between every client.
func NewLimiter(perSecond int) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(perSecond), perSecond)
}

// APIError is a non-2xx answer from the send API.
type APIError struct {
	StatusCode int
	Reason     string
	Header     http.Header
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("send api: unexpected status code: %d %s body=%q", e.StatusCode, e.Reason, string(e.Body))
}

type MailingClient struct {
	baseURL string
	token   string
	client  *http.Client
	timeout time.Duration
	limiter Limiter
	log     zerolog.Logger
}

type Option func(*MailingClient)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *MailingClient) { c.client = hc }
}

// WithTimeout bounds each call; a timed-out call counts as a failed send. It
// applies to a copy of the http client, never to one passed by the caller.
func WithTimeout(d time.Duration) Option {
	return func(c *MailingClient) { c.timeout = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *MailingClient) { c.log = l }
}

func NewMailingClient(baseURL, token string, limiter Limiter, opts ...Option) *MailingClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &MailingClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		limiter: limiter,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.timeout > 0 {
		hc := *c.client
		hc.Timeout = c.timeout
		c.client = &hc
	}
	return c
}

type sendRequest struct {
	ID    int64  `json:"id"`
	Phone string `json:"phone"`
	Text  string `json:"text"`
}

// Send waits for a permit and posts one message. Any non-2xx answer is
// returned as *APIError.
func (c *MailingClient) Send(ctx context.Context, m model.Outbound) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("send api: wait for permit: %w", err)
		}
	}

	reqBody, err := json.Marshal(sendRequest{ID: m.ID, Phone: m.Phone, Text: m.Text})
	if err != nil {
		return err
	}

	url := c.baseURL + "/v1/send/" + strconv.FormatInt(m.ID, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Reason:     http.StatusText(resp.StatusCode),
			Header:     resp.Header.Clone(),
			Body:       body,
		}
	}
	return nil
}

// SendBatch sends every message concurrently and returns one outcome per
// message in input order. Failures never escape: they are logged and
// reported as unsuccessful outcomes.
func (c *MailingClient) SendBatch(ctx context.Context, msgs []model.Outbound) []model.Outcome {
	outcomes := make([]model.Outcome, len(msgs))

	var g errgroup.Group
	for i, m := range msgs {
		g.Go(func() error {
			err := c.Send(ctx, m)
			if err != nil {
				c.logFailure(m, err)
			}
			outcomes[i] = model.Outcome{ID: m.ID, Success: err == nil}
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

func (c *MailingClient) logFailure(m model.Outbound, err error) {
	ev := c.log.Warn().Int64("message_id", m.ID).Err(err)
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		ev = ev.
			Int("status", apiErr.StatusCode).
			Str("reason", apiErr.Reason).
			Interface("headers", apiErr.Header).
			Str("body", string(apiErr.Body))
	}
	ev.Msg("failed to post a message")
}
