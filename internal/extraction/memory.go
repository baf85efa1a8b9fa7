package extraction

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// MemoryService is an in-process extraction service for local runs and tests.
// Each submitted document starts IN_PROGRESS; its text comes from Loader when
// set. A token submitted twice yields AlreadySubmittedError.
type MemoryService struct {
	mu       sync.Mutex
	byToken  map[string]string
	jobs     map[string]*memoryJob
	pageSize int

	// Loader returns the lines for a document. Nil yields no text.
	Loader func(ctx context.Context, doc DocumentRef) ([]string, error)
	// AutoComplete makes new jobs succeed immediately.
	AutoComplete bool
	// SubmitErr, when set, is returned by Submit.
	SubmitErr func(req SubmitRequest) error
}

type memoryJob struct {
	doc     DocumentRef
	state   JobState
	message string
	lines   []string
}

func NewMemoryService() *MemoryService {
	return &MemoryService{
		byToken:  make(map[string]string),
		jobs:     make(map[string]*memoryJob),
		pageSize: 100,
	}
}

func (s *MemoryService) SetPageSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > 0 {
		s.pageSize = n
	}
}

func (s *MemoryService) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if s.SubmitErr != nil {
		if err := s.SubmitErr(req); err != nil {
			return "", err
		}
	}

	s.mu.Lock()
	if id, ok := s.byToken[req.IdempotencyToken]; ok {
		s.mu.Unlock()
		return "", &AlreadySubmittedError{Token: req.IdempotencyToken, ExternalID: id}
	}
	id := uuid.NewString()
	job := &memoryJob{doc: req.Document, state: StateInProgress}
	s.byToken[req.IdempotencyToken] = id
	s.jobs[id] = job
	s.mu.Unlock()

	if s.Loader != nil {
		lines, err := s.Loader(ctx, req.Document)
		if err != nil {
			s.Complete(id, StateFailed, err.Error())
			return id, nil
		}
		s.mu.Lock()
		job.lines = lines
		s.mu.Unlock()
	}
	if s.AutoComplete {
		s.Complete(id, StateSucceeded, "")
	}
	return id, nil
}

func (s *MemoryService) Status(_ context.Context, externalID string) (StatusReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[externalID]
	if !ok {
		return StatusReport{}, fmt.Errorf("%w: unknown job %s", ErrExtractionRejected, externalID)
	}
	return StatusReport{State: job.state, Message: job.message}, nil
}

func (s *MemoryService) Pages(_ context.Context, externalID, continuation string) (Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[externalID]
	if !ok {
		return Page{}, fmt.Errorf("%w: unknown job %s", ErrExtractionRejected, externalID)
	}

	start := 0
	if continuation != "" {
		n, err := strconv.Atoi(continuation)
		if err != nil || n < 0 || n > len(job.lines) {
			return Page{}, fmt.Errorf("%w: bad continuation %q", ErrExtractionRejected, continuation)
		}
		start = n
	}
	end := start + s.pageSize
	if end > len(job.lines) {
		end = len(job.lines)
	}

	page := Page{State: job.state}
	if job.state != StateSucceeded {
		return page, nil
	}
	for _, line := range job.lines[start:end] {
		page.Fragments = append(page.Fragments, Fragment{Type: FragmentLine, Text: line, Page: 1, Confidence: 99})
	}
	if end < len(job.lines) {
		page.NextToken = strconv.Itoa(end)
	}
	return page, nil
}

// Complete moves an external job to a terminal state.
func (s *MemoryService) Complete(externalID string, state JobState, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[externalID]; ok {
		job.state = state
		job.message = message
	}
}

// CompleteAll moves every in-progress job to state.
func (s *MemoryService) CompleteAll(state JobState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.state == StateInProgress {
			job.state = state
		}
	}
}

// SetLines replaces the text of an external job.
func (s *MemoryService) SetLines(externalID string, lines []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[externalID]; ok {
		job.lines = lines
	}
}

// SubmitCount returns how many distinct external jobs were created.
func (s *MemoryService) SubmitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// IDForToken returns the external id created for a token.
func (s *MemoryService) IDForToken(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byToken[token]
	return id, ok
}
