package bsapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/speechrun/internal/chunk"
	"github.com/snarg/speechrun/internal/job"
	"github.com/snarg/speechrun/internal/retry"
	"github.com/snarg/speechrun/internal/vendor"
)

const DefaultBaseURL = "https://api.behavioralsignals.com"

// Name is the backend name reported in errors and metrics.
const Name = vendor.BehavioralSignals

// Options configures a Client.
type Options struct {
	BaseURL        string
	ClientID       string
	APIKey         string
	RequestTimeout time.Duration // status, results and auth calls
	UploadTimeout  time.Duration // submit
	Retry          retry.Policy
	Clock          retry.Clock
	Log            zerolog.Logger
}

var _ vendor.Client = (*Client)(nil)

// Client talks to the Behavioral Signals batch API. It is stateless apart
// from its HTTP clients and safe for concurrent use.
type Client struct {
	base     string
	cid      string
	apiKey   string
	retry    retry.Policy
	clock    retry.Clock
	requests *http.Client
	uploads  *http.Client
	log      zerolog.Logger
}

// NewClient validates opts and builds a client.
func NewClient(opts Options) (*Client, error) {
	if opts.ClientID == "" || opts.APIKey == "" {
		return nil, &vendor.APIError{Vendor: Name, Op: "configure", Kind: job.KindConfiguration, Message: "client id and api key are required"}
	}
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, &vendor.APIError{Vendor: Name, Op: "configure", Kind: job.KindConfiguration, Message: "invalid base url", Err: err}
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = 120 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = retry.SystemClock{}
	}
	return &Client{
		base:     base,
		cid:      opts.ClientID,
		apiKey:   opts.APIKey,
		retry:    opts.Retry,
		clock:    opts.Clock,
		requests: &http.Client{Timeout: opts.RequestTimeout},
		uploads:  &http.Client{Timeout: opts.UploadTimeout},
		log:      opts.Log.With().Str("component", "bsapi").Logger(),
	}, nil
}

func (c *Client) Name() string { return Name }

// Account returns the client ID the client submits under.
func (c *Client) Account() string { return c.cid }

// processResponse is the body of submit and status calls.
type processResponse struct {
	PID       flexString      `json:"pid"`
	CID       flexString      `json:"cid"`
	Name      string          `json:"name"`
	Status    int             `json:"status"`
	StatusMsg string          `json:"statusmsg"`
	Duration  flexFloat       `json:"duration"`
	Datetime  string          `json:"datetime"`
	Meta      json.RawMessage `json:"meta,omitempty"`
}

// Submit uploads one chunk. Each successful call creates a new remote job,
// so callers must consult the job store before submitting a chunk again.
// Transient failures are retried under the client's retry policy; the
// multipart body is rebuilt for every attempt.
func (c *Client) Submit(ctx context.Context, ch chunk.AudioChunk, md vendor.Metadata) (vendor.JobHandle, error) {
	if _, err := os.Stat(ch.LocalPath); err != nil {
		return vendor.JobHandle{}, &vendor.APIError{Vendor: Name, Op: "submit", Kind: job.KindConfiguration, Message: "chunk file unavailable", Err: err}
	}
	if md.Name == "" {
		md.Name = filepath.Base(ch.LocalPath)
	}
	var metaJSON []byte
	if len(md.Meta) > 0 {
		var err error
		if metaJSON, err = json.Marshal(md.Meta); err != nil {
			return vendor.JobHandle{}, &vendor.APIError{Vendor: Name, Op: "submit", Kind: job.KindConfiguration, Message: "encode meta", Err: err}
		}
	}

	endpoint := fmt.Sprintf("%s/v5/clients/%s/processes/audio", c.base, url.PathEscape(c.cid))
	var resp processResponse
	fields := []vendor.Field{
		{Name: "name", Value: md.Name},
		{Name: "embeddings", Value: fmt.Sprintf("%t", md.Embeddings)},
	}
	if len(metaJSON) > 0 {
		fields = append(fields, vendor.Field{Name: "meta", Value: string(metaJSON)})
	}
	err := c.retry.Do(ctx, c.clock, vendor.IsRetryable, func(attempt int) error {
		body, contentType, err := vendor.Upload(ch.LocalPath, "file", fields)
		if err != nil {
			return &vendor.APIError{Vendor: Name, Op: "submit", Kind: job.KindConfiguration, Message: "build upload", Err: err}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
		if err != nil {
			return &vendor.APIError{Vendor: Name, Op: "submit", Kind: job.KindConfiguration, Err: err}
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("X-Auth-Token", c.apiKey)
		req.Header.Set("Accept", "application/json")

		raw, err := vendor.Do(ctx, c.uploads, Name, "submit", req)
		if err != nil {
			if vendor.IsRetryable(err) {
				c.log.Warn().Err(err).Str("source", ch.SourceID).Int("chunk", ch.Index).Int("attempt", attempt).Msg("submit failed, will retry")
			}
			return err
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return &vendor.APIError{Vendor: Name, Op: "submit", Kind: job.KindServer, Message: "decode response", Err: err}
		}
		return nil
	})
	if err != nil {
		return vendor.JobHandle{}, err
	}
	if resp.PID == "" {
		return vendor.JobHandle{}, &vendor.APIError{Vendor: Name, Op: "submit", Kind: job.KindServer, Message: "response carried no pid"}
	}
	if Classify(resp.Status) == vendor.ClassFailedFatal {
		return vendor.JobHandle{}, &vendor.APIError{Vendor: Name, Op: "submit", Kind: job.KindQuota, Message: resp.StatusMsg}
	}

	h := vendor.JobHandle{
		ID:            string(resp.PID),
		Account:       string(resp.CID),
		Name:          resp.Name,
		StatusMessage: resp.StatusMsg,
		SubmittedAt:   c.clock.Now(),
	}
	if h.Account == "" {
		h.Account = c.cid
	}
	c.log.Info().
		Str("source", ch.SourceID).
		Int("chunk", ch.Index).
		Str("pid", h.ID).
		Str("status", h.StatusMessage).
		Msg("chunk submitted")
	return h, nil
}

// Status fetches the current state of a remote process. It makes a single
// request; the poller owns retry decisions for status checks.
func (c *Client) Status(ctx context.Context, pid string) (vendor.StatusReport, error) {
	endpoint := fmt.Sprintf("%s/v5/clients/%s/processes/%s", c.base, url.PathEscape(c.cid), url.PathEscape(pid))
	req, err := c.newGet(ctx, endpoint)
	if err != nil {
		return vendor.StatusReport{}, err
	}
	raw, err := vendor.Do(ctx, c.requests, Name, "status", req)
	if err != nil {
		return vendor.StatusReport{}, err
	}
	var resp processResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return vendor.StatusReport{}, &vendor.APIError{Vendor: Name, Op: "status", Kind: job.KindTransient, Message: "decode response", Err: err}
	}
	rep := vendor.StatusReport{
		JobID:    pid,
		Code:     resp.Status,
		Message:  resp.StatusMsg,
		Class:    Classify(resp.Status),
		Duration: float64(resp.Duration),
	}
	if rep.Class == vendor.ClassFailedFatal {
		rep.Kind = job.KindQuota
	}
	return rep, nil
}

// Results downloads the raw result document for a completed process.
func (c *Client) Results(ctx context.Context, pid string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/v5/clients/%s/processes/%s/results", c.base, url.PathEscape(c.cid), url.PathEscape(pid))
	var out []byte
	err := c.retry.Do(ctx, c.clock, vendor.IsRetryable, func(int) error {
		req, err := c.newGet(ctx, endpoint)
		if err != nil {
			return err
		}
		raw, err := vendor.Do(ctx, c.requests, Name, "results", req)
		if err != nil {
			return err
		}
		if !json.Valid(raw) {
			return &vendor.APIError{Vendor: Name, Op: "results", Kind: job.KindFetch, Message: "response is not JSON"}
		}
		out = raw
		return nil
	})
	return out, err
}

// CheckConnectivity probes the unauthenticated status endpoint.
func (c *Client) CheckConnectivity(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/status", nil)
	if err != nil {
		return err
	}
	_, err = vendor.Do(ctx, c.requests, Name, "connectivity", req)
	return err
}

// CheckAuth verifies the API key against the client account.
func (c *Client) CheckAuth(ctx context.Context) error {
	req, err := c.newGet(ctx, fmt.Sprintf("%s/v5/clients/%s", c.base, url.PathEscape(c.cid)))
	if err != nil {
		return err
	}
	_, err = vendor.Do(ctx, c.requests, Name, "auth", req)
	return err
}

func (c *Client) newGet(ctx context.Context, endpoint string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Auth-Token", c.apiKey)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// flexString accepts a JSON string or number.
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*s = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*s = flexString(n.String())
	return nil
}

// flexFloat accepts a JSON number or a numeric string.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	if string(b) == "null" || string(b) == `""` {
		*f = 0
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		b = b[1 : len(b)-1]
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return errors.New("duration: not a number")
	}
	*f = flexFloat(v)
	return nil
}
