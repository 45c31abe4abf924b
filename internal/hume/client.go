// Package hume is a batch backend for the Hume AI expression
// measurement API.
package hume

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/speechrun/internal/chunk"
	"github.com/snarg/speechrun/internal/job"
	"github.com/snarg/speechrun/internal/retry"
	"github.com/snarg/speechrun/internal/vendor"
)

const DefaultBaseURL = "https://api.hume.ai/v0"

// Name is the backend name reported in errors and metrics.
const Name = vendor.Hume

// Job states reported by the batch API.
const (
	StateQueued     = "QUEUED"
	StateInProgress = "IN_PROGRESS"
	StateCompleted  = "COMPLETED"
	StateFailed     = "FAILED"
)

// modelsConfig asks for utterance-level prosody and language predictions.
const modelsConfig = `{"models":{"prosody":{"granularity":"utterance"},"language":{"granularity":"utterance"}}}`

type Options struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
	UploadTimeout  time.Duration
	Retry          retry.Policy
	Clock          retry.Clock
	Log            zerolog.Logger
}

var _ vendor.Client = (*Client)(nil)

// Client submits chunks as Hume batch jobs and converts their predictions
// to the common results format.
type Client struct {
	base     string
	apiKey   string
	retry    retry.Policy
	clock    retry.Clock
	requests *http.Client
	uploads  *http.Client
	log      zerolog.Logger
}

func NewClient(opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, &vendor.APIError{Vendor: Name, Op: "configure", Kind: job.KindConfiguration, Message: "api key is required"}
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
		apiKey:   opts.APIKey,
		retry:    opts.Retry,
		clock:    opts.Clock,
		requests: &http.Client{Timeout: opts.RequestTimeout},
		uploads:  &http.Client{Timeout: opts.UploadTimeout},
		log:      opts.Log.With().Str("component", "hume").Logger(),
	}, nil
}

func (c *Client) Name() string { return Name }

// Account is empty: Hume keys are not tied to a separate client id.
func (c *Client) Account() string { return "" }

type submitResponse struct {
	JobID string `json:"job_id"`
}

type jobResponse struct {
	JobID string `json:"job_id"`
	State struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"state"`
}

// Submit starts one batch job for the chunk. Metadata other than the name
// has no place in a Hume request and is dropped.
func (c *Client) Submit(ctx context.Context, ch chunk.AudioChunk, md vendor.Metadata) (vendor.JobHandle, error) {
	if _, err := os.Stat(ch.LocalPath); err != nil {
		return vendor.JobHandle{}, &vendor.APIError{Vendor: Name, Op: "submit", Kind: job.KindConfiguration, Message: "chunk file unavailable", Err: err}
	}
	endpoint := c.base + "/batch/jobs"
	fields := []vendor.Field{{Name: "json", Value: modelsConfig}}

	var resp submitResponse
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
		c.authorize(req)

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
	if resp.JobID == "" {
		return vendor.JobHandle{}, &vendor.APIError{Vendor: Name, Op: "submit", Kind: job.KindServer, Message: "response carried no job_id"}
	}
	c.log.Info().
		Str("source", ch.SourceID).
		Int("chunk", ch.Index).
		Str("job_id", resp.JobID).
		Msg("chunk submitted")
	return vendor.JobHandle{
		ID:            resp.JobID,
		Name:          md.Name,
		StatusMessage: StateQueued,
		SubmittedAt:   c.clock.Now(),
	}, nil
}

// Status fetches the job state with a single request.
func (c *Client) Status(ctx context.Context, jobID string) (vendor.StatusReport, error) {
	req, err := c.newGet(ctx, c.base+"/batch/jobs/"+url.PathEscape(jobID))
	if err != nil {
		return vendor.StatusReport{}, err
	}
	raw, err := vendor.Do(ctx, c.requests, Name, "status", req)
	if err != nil {
		return vendor.StatusReport{}, err
	}
	var resp jobResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return vendor.StatusReport{}, &vendor.APIError{Vendor: Name, Op: "status", Kind: job.KindTransient, Message: "decode response", Err: err}
	}
	rep := vendor.StatusReport{
		JobID:   jobID,
		Message: resp.State.Status,
		Class:   Classify(resp.State.Status),
	}
	if resp.State.Message != "" {
		rep.Message += ": " + resp.State.Message
	}
	if rep.Class == vendor.ClassFailedFatal {
		rep.Kind = job.KindServer
	}
	return rep, nil
}

// Classify maps a job state. States this client does not know are
// retryable.
func Classify(state string) vendor.Class {
	switch state {
	case StateQueued:
		return vendor.ClassPending
	case StateInProgress:
		return vendor.ClassProcessing
	case StateCompleted:
		return vendor.ClassSucceeded
	case StateFailed:
		return vendor.ClassFailedFatal
	}
	return vendor.ClassFailedRetryable
}

// Results downloads the job's predictions and converts them to the
// common results document.
func (c *Client) Results(ctx context.Context, jobID string) ([]byte, error) {
	endpoint := c.base + "/batch/jobs/" + url.PathEscape(jobID) + "/predictions"
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
		doc, err := Convert(jobID, raw)
		if err != nil {
			return &vendor.APIError{Vendor: Name, Op: "results", Kind: job.KindFetch, Err: err}
		}
		out = doc
		return nil
	})
	return out, err
}

// CheckConnectivity succeeds on any HTTP response from the API host.
func (c *Client) CheckConnectivity(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base, nil)
	if err != nil {
		return err
	}
	resp, err := c.requests.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &vendor.APIError{Vendor: Name, Op: "connectivity", Kind: job.KindTransient, Err: err}
	}
	resp.Body.Close()
	return nil
}

// CheckAuth lists at most one job with the configured key.
func (c *Client) CheckAuth(ctx context.Context) error {
	req, err := c.newGet(ctx, c.base+"/batch/jobs?limit=1")
	if err != nil {
		return err
	}
	_, err = vendor.Do(ctx, c.requests, Name, "auth", req)
	return err
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("X-Hume-Api-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
}

func (c *Client) newGet(ctx context.Context, endpoint string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.authorize(req)
	return req, nil
}
