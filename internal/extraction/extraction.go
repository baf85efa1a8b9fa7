// Package extraction starts and tracks long-running OCR text extraction jobs.
//
// A Client submits each document of a job at most once: the submission carries
// an idempotency token derived from the job id and document role, and the
// resulting external id is recorded write-once on the job record.
package extraction

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/qs3c/resume_pipeline/internal/model"
)

var (
	// ErrTransient marks errors worth retrying: throttling, service faults, network.
	ErrTransient = errors.New("transient extraction service error")
	// ErrExternalServiceUnavailable is returned once the retry budget is spent.
	ErrExternalServiceUnavailable = errors.New("external extraction service unavailable")
	// ErrExtractionRejected means the service refused the request permanently.
	ErrExtractionRejected = errors.New("extraction request rejected")
	ErrNotSucceeded       = errors.New("extraction job has not succeeded")
	ErrPaginationLoop     = errors.New("extraction service repeated a continuation token")
)

type JobState string

const (
	StateInProgress JobState = "IN_PROGRESS"
	StateSucceeded  JobState = "SUCCEEDED"
	StateFailed     JobState = "FAILED"
)

// DocumentRef locates a stored document.
type DocumentRef struct {
	Bucket string
	Key    string
}

// NotificationChannel is where the service announces completion.
type NotificationChannel struct {
	TopicARN string
	RoleARN  string
}

type SubmitRequest struct {
	Document         DocumentRef
	IdempotencyToken string
	JobTag           string
	Callback         *NotificationChannel
}

type StatusReport struct {
	State   JobState
	Message string
}

const (
	FragmentPage = "PAGE"
	FragmentLine = "LINE"
	FragmentWord = "WORD"
)

// Fragment is one block of extracted text.
type Fragment struct {
	Type       string  `json:"type"`
	Text       string  `json:"text,omitempty"`
	Page       int     `json:"page"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Page is one page of results. NextToken is empty on the last page.
type Page struct {
	State     JobState
	Fragments []Fragment
	NextToken string
}

// Service is the external OCR provider.
type Service interface {
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	Status(ctx context.Context, externalID string) (StatusReport, error)
	Pages(ctx context.Context, externalID, continuation string) (Page, error)
}

// AlreadySubmittedError reports that a token was already used. ExternalID is
// the job created by the earlier submission.
type AlreadySubmittedError struct {
	Token      string
	ExternalID string
}

func (e *AlreadySubmittedError) Error() string {
	return fmt.Sprintf("token %s already submitted as %s", e.Token, e.ExternalID)
}

// Transient wraps err so that callers retry it.
func Transient(err error) error {
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IdempotencyToken derives the submission token for one document of a job.
// The result is 64 hex characters.
func IdempotencyToken(jobID string, role model.DocumentRole) string {
	sum := blake2b.Sum256([]byte(jobID + ":" + string(role)))
	return hex.EncodeToString(sum[:])
}

// JobTag labels the external job so it can be traced back to the pipeline job.
func JobTag(jobID string, role model.DocumentRole) string {
	return jobID + ":" + string(role)
}

// JoinText concatenates LINE fragments in order, one per line.
func JoinText(fragments []Fragment) string {
	var b strings.Builder
	for _, f := range fragments {
		if f.Type != FragmentLine || f.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(f.Text)
	}
	return b.String()
}
