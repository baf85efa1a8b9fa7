package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	jobIDPrefix       = "proc"
	requiredExtension = ".pdf"
)

var unsafeNameChars = regexp.MustCompile(`[^a-z0-9._-]`)

// defaultNames are used when the client does not name a document.
var defaultNames = map[DocumentRole]string{
	RolePrimary:   "resume.pdf",
	RoleReference: "jd.pdf",
}

// NewJobID returns a roughly time-ordered id such as proc1718000000_1a2b3c4d.
func NewJobID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s%d_%s", jobIDPrefix, now.Unix(), suffix)
}

// SanitizeFileName makes a user supplied name safe for object keys.
func SanitizeFileName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, " ", "_")
	name = unsafeNameChars.ReplaceAllString(name, "_")
	if !strings.HasSuffix(name, requiredExtension) {
		name += requiredExtension
	}
	return name
}

func StorageKey(jobID, displayName string) string {
	return fmt.Sprintf("input/%s/%s", jobID, displayName)
}

func ResultKey(jobID string) string {
	return fmt.Sprintf("output/%s/analysis.json", jobID)
}

// NewDocument builds the metadata for one uploaded file of a job.
func NewDocument(jobID string, role DocumentRole, rawName string) (Document, error) {
	if !role.Valid() {
		return Document{}, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	if strings.TrimSpace(rawName) == "" {
		rawName = defaultNames[role]
	}
	name := SanitizeFileName(rawName)
	return Document{
		DisplayName: name,
		StorageKey:  StorageKey(jobID, name),
		Role:        role,
	}, nil
}

// NewJob creates a job in CREATED with one document per role.
func NewJob(now time.Time, bucket string, names map[DocumentRole]string) (*Job, error) {
	id := NewJobID(now)
	docs := make([]Document, 0, len(Roles))
	taken := make(map[string]bool, len(Roles))
	for _, role := range Roles {
		doc, err := NewDocument(id, role, names[role])
		if err != nil {
			return nil, err
		}
		// 两个文档同名时加角色前缀，避免存储 key 冲突
		if taken[doc.DisplayName] {
			doc, _ = NewDocument(id, role, string(role)+"_"+doc.DisplayName)
		}
		taken[doc.DisplayName] = true
		docs = append(docs, doc)
	}
	return &Job{
		ID:             id,
		Bucket:         bucket,
		Status:         StatusCreated,
		Documents:      docs,
		ExternalJobIDs: map[DocumentRole]string{},
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}
