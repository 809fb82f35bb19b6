// Package report posts deployment outcomes to the central service. Reporting
// is best-effort: a failed report is logged and never fails the pipeline
// that produced it.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"
)

// Status is the coarse outcome reported upstream.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Result is the wire payload.
type Result struct {
	FromVersion string `json:"from_version"`
	ToVersion   string `json:"to_version"`
	Status      Status `json:"status"`
	Details     string `json:"details"`
}

// Reporter posts Results to one endpoint.
type Reporter struct {
	BaseURL    string
	ReportPath string
	AuthToken  string

	http *retryablehttp.Client
}

func NewReporter(baseURL, reportPath, authToken string) *Reporter {
	c := retryablehttp.NewClient()
	c.RetryMax = 2
	c.RetryWaitMin = 250 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.HTTPClient.Timeout = 15 * time.Second
	c.Logger = nil
	return &Reporter{BaseURL: baseURL, ReportPath: reportPath, AuthToken: authToken, http: c}
}

// Send posts the result and returns the transport error, if any. Callers in
// the pipeline use Publish instead, which only logs.
func (r *Reporter) Send(ctx context.Context, res Result) error {
	body, err := json.Marshal(res)
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+r.ReportPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "stackpilot-agent")
	if r.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.AuthToken)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("report: http %s", resp.Status)
	}
	return nil
}

// Publish sends the result best-effort.
func (r *Reporter) Publish(ctx context.Context, res Result) {
	if r == nil || r.BaseURL == "" {
		return
	}
	if err := r.Send(ctx, res); err != nil {
		log.Warn().Err(err).
			Str("from", res.FromVersion).
			Str("to", res.ToVersion).
			Str("status", string(res.Status)).
			Msg("result report failed")
		return
	}
	log.Debug().Str("to", res.ToVersion).Str("status", string(res.Status)).Msg("result reported")
}
