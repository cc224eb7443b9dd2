// Package documents owns the metadata store: document records, their
// collaborator lists, and the user records the Auth Gate resolves
// identities against.
package documents

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190
const maxTitleLength = 255

var (
	// ErrInvalidDocumentID indicates a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("documents: invalid document id")
	// ErrInvalidUserID indicates a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("documents: invalid user id")
	// ErrInvalidTitle indicates a document title is empty or exceeds storage bounds.
	ErrInvalidTitle = errors.New("documents: invalid title")
)

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Role enumerates a collaborator's permission level on a document.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// CanRead reports whether the role may observe document state and awareness.
func (r Role) CanRead() bool {
	switch r {
	case RoleOwner, RoleEditor, RoleViewer:
		return true
	default:
		return false
	}
}

// CanWrite reports whether the role may mutate document state.
func (r Role) CanWrite() bool {
	switch r {
	case RoleOwner, RoleEditor:
		return true
	default:
		return false
	}
}

// User is the external identity record the Auth Gate resolves bearer
// subjects against.
type User struct {
	ID    string `gorm:"column:id;primaryKey;size:190;not null"`
	Email string `gorm:"column:email;size:320;not null"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "users"
}

// Document is the persisted document record.
type Document struct {
	ID            string `gorm:"column:id;primaryKey;size:190;not null"`
	Title         string `gorm:"column:title;size:255;not null"`
	OwnerID       string `gorm:"column:owner_id;size:190;not null;index"`
	YjsSnapshot   []byte `gorm:"column:yjs_snapshot;type:blob"`
	CreatedAtUnix int64  `gorm:"column:created_at;not null"`
	UpdatedAtUnix int64  `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// Collaborator is one entry in a document's collaborator list.
type Collaborator struct {
	DocumentID string `gorm:"column:document_id;primaryKey;size:190;not null"`
	UserID     string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Role       Role   `gorm:"column:role;size:16;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Collaborator) TableName() string {
	return "document_collaborators"
}

// NewTitle validates a document title against storage bounds.
func NewTitle(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTitle)
	}
	if len(trimmed) > maxTitleLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidTitle, maxTitleLength)
	}
	return trimmed, nil
}
