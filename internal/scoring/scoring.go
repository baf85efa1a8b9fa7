// Package scoring compares a resume with a job description through an external
// scoring service.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/qs3c/resume_pipeline/config"
)

var (
	ErrEmptyInput   = errors.New("scoring input text is empty")
	ErrUnavailable  = errors.New("scoring service unavailable")
	ErrBadResponse  = errors.New("scoring service returned an invalid result")
	ErrRequestError = errors.New("scoring request rejected")
)

// Result 评分结果，同时作为 output/{job_id}/analysis.json 的内容
type Result struct {
	FitScore      int      `json:"fit_score"`
	MissingSkills []string `json:"missing_skills"`
	Suggestions   []string `json:"suggestions"`
	ATSTips       []string `json:"ats_tips,omitempty"`
}

func (r *Result) Validate() error {
	if r.FitScore < 0 || r.FitScore > 100 {
		return fmt.Errorf("%w: fit_score %d out of range", ErrBadResponse, r.FitScore)
	}
	if r.MissingSkills == nil {
		r.MissingSkills = []string{}
	}
	if r.Suggestions == nil {
		r.Suggestions = []string{}
	}
	return nil
}

type Scorer interface {
	Score(ctx context.Context, primaryText, referenceText string) (*Result, error)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(ctx context.Context, primaryText, referenceText string) (*Result, error)

func (f ScorerFunc) Score(ctx context.Context, primaryText, referenceText string) (*Result, error) {
	return f(ctx, primaryText, referenceText)
}

type scoreRequest struct {
	PrimaryText   string `json:"primary_text"`
	ReferenceText string `json:"reference_text"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HTTPScorer calls POST {base_url}/score.
type HTTPScorer struct {
	client *resty.Client
}

func NewHTTPScorer(cfg *config.ScoringConfig) *HTTPScorer {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return retryableStatus(resp.StatusCode())
		})

	return &HTTPScorer{client: client}
}

func (s *HTTPScorer) Score(ctx context.Context, primaryText, referenceText string) (*Result, error) {
	if strings.TrimSpace(primaryText) == "" || strings.TrimSpace(referenceText) == "" {
		return nil, ErrEmptyInput
	}

	var (
		result Result
		apiErr errorResponse
	)
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(scoreRequest{PrimaryText: primaryText, ReferenceText: referenceText}).
		SetResult(&result).
		SetError(&apiErr).
		Post("/score")
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	if resp.IsError() {
		msg := apiErr.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode())
		}
		if retryableStatus(resp.StatusCode()) {
			return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode(), msg)
		}
		return nil, fmt.Errorf("%w: status %d: %s", ErrRequestError, resp.StatusCode(), msg)
	}

	if err := result.Validate(); err != nil {
		return nil, err
	}
	return &result, nil
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
