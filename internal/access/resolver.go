// Package access resolves a user's role on a document and answers the
// capability questions the hub and CRDT layers need: whether a session may
// read, write, or observe awareness.
package access

import (
	"context"
	"errors"

	"github.com/collabhub/hub/internal/documents"
)

// ErrAccessDenied covers both "document does not exist" and "user has no
// grant on it" — the two are deliberately indistinguishable to a client,
// since revealing existence to an unauthorized caller leaks information the
// grant check is meant to protect.
var ErrAccessDenied = errors.New("access: denied")

// DocumentAccessLookup resolves grants; documents.Store satisfies this.
type DocumentAccessLookup interface {
	FindDocumentForAccess(ctx context.Context, documentID documents.DocumentID, userID documents.UserID) (*documents.AccessRecord, error)
}

// Resolver answers role and capability questions for a user/document pair.
type Resolver struct {
	store DocumentAccessLookup
}

// NewResolver constructs a Resolver bound to a document access lookup.
func NewResolver(store DocumentAccessLookup) *Resolver {
	return &Resolver{store: store}
}

// ResolveRole returns the caller's role on documentID, or ErrAccessDenied if
// the document does not exist or the caller has no grant.
func (r *Resolver) ResolveRole(ctx context.Context, documentID documents.DocumentID, userID documents.UserID) (documents.Role, error) {
	record, err := r.store.FindDocumentForAccess(ctx, documentID, userID)
	if err != nil {
		return "", err
	}
	if record == nil {
		return "", ErrAccessDenied
	}
	return record.Role, nil
}

// CanJoin reports whether role may open a session on the document at all.
// Every granted role may join; the distinction is read versus write.
func CanJoin(role documents.Role) bool {
	return role.CanRead()
}

// CanMutate reports whether role may submit CRDT updates.
func CanMutate(role documents.Role) bool {
	return role.CanWrite()
}
