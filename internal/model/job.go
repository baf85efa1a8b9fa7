package model

import (
	"errors"
	"fmt"
	"reflect"
	"time"
)

var (
	ErrInvalidTransition     = errors.New("invalid job status transition")
	ErrExternalJobIDConflict = errors.New("external job id already recorded for role")
	ErrUnknownRole           = errors.New("unknown document role")
)

// JobStatus is the pipeline position of a job. Statuses other than FAILED
// form a strict total order; FAILED is terminal and absorbing.
type JobStatus string

const (
	StatusCreated            JobStatus = "CREATED"
	StatusUploaded           JobStatus = "UPLOADED"
	StatusExtractionStarted  JobStatus = "EXTRACTION_STARTED"
	StatusExtractionComplete JobStatus = "EXTRACTION_COMPLETE"
	StatusAnalysisComplete   JobStatus = "ANALYSIS_COMPLETE"
	StatusFailed             JobStatus = "FAILED"
)

var statusRank = map[JobStatus]int{
	StatusCreated:            0,
	StatusUploaded:           1,
	StatusExtractionStarted:  2,
	StatusExtractionComplete: 3,
	StatusAnalysisComplete:   4,
}

func (s JobStatus) Valid() bool {
	if s == StatusFailed {
		return true
	}
	_, ok := statusRank[s]
	return ok
}

func (s JobStatus) IsTerminal() bool {
	return s == StatusAnalysisComplete || s == StatusFailed
}

// Before reports whether s precedes other in the forward order. FAILED is
// never before or after anything.
func (s JobStatus) Before(other JobStatus) bool {
	a, okA := statusRank[s]
	b, okB := statusRank[other]
	return okA && okB && a < b
}

// CanTransition reports whether a job may move from one status to another.
// Staying in the same status is allowed so non-status fields can change.
func CanTransition(from, to JobStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	if from.IsTerminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	return statusRank[to] == statusRank[from]+1
}

type DocumentRole string

const (
	RolePrimary   DocumentRole = "primary"
	RoleReference DocumentRole = "reference"
)

// Roles lists the document roles every job carries, in processing order.
var Roles = []DocumentRole{RolePrimary, RoleReference}

func (r DocumentRole) Valid() bool {
	return r == RolePrimary || r == RoleReference
}

type Document struct {
	DisplayName string       `json:"display_name"`
	StorageKey  string       `json:"storage_key"`
	Role        DocumentRole `json:"role"`
}

type Failure struct {
	Stage  JobStatus `json:"stage"`
	Cause  string    `json:"cause"`
	Detail string    `json:"detail,omitempty"`
}

func (f *Failure) String() string {
	if f == nil {
		return ""
	}
	if f.Detail != "" {
		return fmt.Sprintf("%s at %s: %s", f.Cause, f.Stage, f.Detail)
	}
	return fmt.Sprintf("%s at %s", f.Cause, f.Stage)
}

// Mutation edits a copy of a job. Stores validate the result before writing.
type Mutation func(*Job) error

type Job struct {
	ID             string                  `gorm:"primaryKey;size:64" json:"job_id"`
	Bucket         string                  `gorm:"size:255" json:"bucket"`
	Status         JobStatus               `gorm:"size:32;not null;index" json:"status"`
	Documents      []Document              `gorm:"column:documents;serializer:json;type:text" json:"documents"`
	ExternalJobIDs map[DocumentRole]string `gorm:"column:external_job_ids;serializer:json;type:text" json:"external_job_ids"`
	ResultRef      string                  `gorm:"column:result_ref;size:500" json:"result_ref,omitempty"`
	Failure        *Failure                `gorm:"column:failure;serializer:json;type:text" json:"error,omitempty"`
	Version        int64                   `gorm:"not null;default:1" json:"version"`
	CreatedAt      time.Time               `gorm:"index;<-:create" json:"created_at"`
	UpdatedAt      time.Time               `gorm:"index" json:"updated_at"`
	CompletedAt    *time.Time              `json:"completed_at,omitempty"`
}

func (Job) TableName() string {
	return "jobs"
}

// Document returns the document registered for role.
func (j *Job) Document(role DocumentRole) (Document, bool) {
	for _, d := range j.Documents {
		if d.Role == role {
			return d, true
		}
	}
	return Document{}, false
}

// ExternalJobID returns the recorded extraction handle for role.
func (j *Job) ExternalJobID(role DocumentRole) (string, bool) {
	id, ok := j.ExternalJobIDs[role]
	return id, ok && id != ""
}

// SetExternalJobID records the extraction handle for role exactly once.
// Recording the same id again is a no-op.
func (j *Job) SetExternalJobID(role DocumentRole, id string) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	if existing, ok := j.ExternalJobID(role); ok {
		if existing == id {
			return nil
		}
		return fmt.Errorf("%w: %s has %s, refusing %s", ErrExternalJobIDConflict, role, existing, id)
	}
	if j.ExternalJobIDs == nil {
		j.ExternalJobIDs = make(map[DocumentRole]string, len(Roles))
	}
	j.ExternalJobIDs[role] = id
	return nil
}

func (j *Job) HasAllExternalJobIDs() bool {
	for _, role := range Roles {
		if _, ok := j.ExternalJobID(role); !ok {
			return false
		}
	}
	return true
}

// Advance moves the job one step forward.
func (j *Job) Advance(to JobStatus) error {
	if to == StatusFailed || !CanTransition(j.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
	}
	j.Status = to
	if to == StatusAnalysisComplete {
		now := time.Now()
		j.CompletedAt = &now
	}
	return nil
}

// Fail marks the job FAILED. The first failure wins: failing an already
// failed job keeps the original cause and returns nil.
func (j *Job) Fail(stage JobStatus, cause, detail string) error {
	if j.Status == StatusFailed {
		return nil
	}
	if !CanTransition(j.Status, StatusFailed) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, StatusFailed)
	}
	now := time.Now()
	j.Status = StatusFailed
	j.Failure = &Failure{Stage: stage, Cause: cause, Detail: detail}
	j.CompletedAt = &now
	return nil
}

// Clone returns a deep copy suitable for applying a Mutation.
func (j *Job) Clone() *Job {
	c := *j
	if j.Documents != nil {
		c.Documents = make([]Document, len(j.Documents))
		copy(c.Documents, j.Documents)
	}
	if j.ExternalJobIDs != nil {
		c.ExternalJobIDs = make(map[DocumentRole]string, len(j.ExternalJobIDs))
		for k, v := range j.ExternalJobIDs {
			c.ExternalJobIDs[k] = v
		}
	}
	if j.Failure != nil {
		f := *j.Failure
		c.Failure = &f
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// ValidateTransition checks that next is a legal successor of prev.
func ValidateTransition(prev, next *Job) error {
	if !CanTransition(prev.Status, next.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.Status, next.Status)
	}
	if next.ID != prev.ID || !next.CreatedAt.Equal(prev.CreatedAt) {
		return fmt.Errorf("%w: identity fields are immutable", ErrInvalidTransition)
	}
	if next.Version != prev.Version {
		return fmt.Errorf("%w: version is managed by the store", ErrInvalidTransition)
	}
	if !reflect.DeepEqual(next.Documents, prev.Documents) {
		return fmt.Errorf("%w: documents are fixed at intake", ErrInvalidTransition)
	}
	// 终态记录只允许补充外部任务 ID
	if prev.Status.IsTerminal() {
		if next.ResultRef != prev.ResultRef || !sameFailure(prev.Failure, next.Failure) ||
			!sameTime(prev.CompletedAt, next.CompletedAt) {
			return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, prev.Status)
		}
	}
	for role, id := range prev.ExternalJobIDs {
		if id != "" && next.ExternalJobIDs[role] != id {
			return fmt.Errorf("%w: %s", ErrExternalJobIDConflict, role)
		}
	}
	for role := range next.ExternalJobIDs {
		if !role.Valid() {
			return fmt.Errorf("%w: %q", ErrUnknownRole, role)
		}
	}
	if next.ResultRef != prev.ResultRef && next.Status != StatusAnalysisComplete {
		return fmt.Errorf("%w: result_ref requires %s", ErrInvalidTransition, StatusAnalysisComplete)
	}
	if next.Failure != nil && next.Status != StatusFailed {
		return fmt.Errorf("%w: error requires %s", ErrInvalidTransition, StatusFailed)
	}
	if next.Status == StatusFailed && next.Failure == nil {
		return fmt.Errorf("%w: %s requires an error", ErrInvalidTransition, StatusFailed)
	}
	return nil
}

func sameFailure(a, b *Failure) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// Unchanged reports whether a mutation produced no observable change.
func Unchanged(prev, next *Job) bool {
	return reflect.DeepEqual(prev, next)
}
