package documents

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opFindUser       = "documents.find_user"
	opFindAccess     = "documents.find_access"
	opLoadDocument   = "documents.load_document"
	opPersistSnap    = "documents.persist_snapshot"
	opSeedDocument   = "documents.seed_document"
	opUpsertCollab   = "documents.upsert_collaborator"
	reasonNoDatabase = "missing_database"
	reasonQueryFail  = "query_failed"
	reasonWriteFail  = "write_failed"
)

// AccessRecord is the result of resolving whether a user may reach a document.
type AccessRecord struct {
	DocumentID DocumentID
	Role       Role
}

// Store is the metadata store backing document and access lookups,
// implemented against SQLite via GORM.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs a Store bound to the provided database handle.
func NewStore(db *gorm.DB, clock func() time.Time, logger *zap.Logger) (*Store, error) {
	if db == nil {
		return nil, newStoreError(opFindUser, reasonNoDatabase, errMissingDatabase)
	}
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, clock: clock, logger: logger}, nil
}

// FindUserByID returns the user record for id, or nil if it does not exist.
func (s *Store) FindUserByID(ctx context.Context, id UserID) (*User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", id.String()).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logger.Error("find user failed", zap.Error(err), zap.String("user_id", id.String()))
		return nil, newStoreError(opFindUser, reasonQueryFail, err)
	}
	return &user, nil
}

// FindDocumentForAccess returns non-nil iff userID is the document's owner
// or a listed collaborator. The caller cannot distinguish "document does
// not exist" from "user has no access" — both yield nil.
func (s *Store) FindDocumentForAccess(ctx context.Context, documentID DocumentID, userID UserID) (*AccessRecord, error) {
	var document Document
	err := s.db.WithContext(ctx).Where("id = ?", documentID.String()).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logger.Error("find document failed", zap.Error(err), zap.String("document_id", documentID.String()))
		return nil, newStoreError(opFindAccess, reasonQueryFail, err)
	}

	if document.OwnerID == userID.String() {
		return &AccessRecord{DocumentID: documentID, Role: RoleOwner}, nil
	}

	var collaborator Collaborator
	err = s.db.WithContext(ctx).
		Where("document_id = ? AND user_id = ?", documentID.String(), userID.String()).
		Take(&collaborator).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logger.Error("find collaborator failed", zap.Error(err), zap.String("document_id", documentID.String()))
		return nil, newStoreError(opFindAccess, reasonQueryFail, err)
	}
	return &AccessRecord{DocumentID: documentID, Role: collaborator.Role}, nil
}

// LoadDocument returns the full document record, including its snapshot blob.
func (s *Store) LoadDocument(ctx context.Context, documentID DocumentID) (*Document, error) {
	var document Document
	err := s.db.WithContext(ctx).Where("id = ?", documentID.String()).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logger.Error("load document failed", zap.Error(err), zap.String("document_id", documentID.String()))
		return nil, newStoreError(opLoadDocument, reasonQueryFail, err)
	}
	return &document, nil
}

// PersistSnapshot writes the full-state CRDT encoding for documentID.
func (s *Store) PersistSnapshot(ctx context.Context, documentID DocumentID, blob []byte) error {
	now := s.clock().UTC().Unix()
	err := s.db.WithContext(ctx).Model(&Document{}).
		Where("id = ?", documentID.String()).
		Updates(map[string]interface{}{"yjs_snapshot": blob, "updated_at": now}).Error
	if err != nil {
		s.logger.Error("persist snapshot failed", zap.Error(err), zap.String("document_id", documentID.String()))
		return newStoreError(opPersistSnap, reasonWriteFail, err)
	}
	return nil
}

// Seed creates a document record with its owner as the sole collaborator.
// Used by tests and the dev CLI; collaborator-management proper is an
// external REST concern out of this package's scope.
func (s *Store) Seed(ctx context.Context, documentID DocumentID, title string, ownerID UserID) error {
	now := s.clock().UTC().Unix()
	document := Document{
		ID:            documentID.String(),
		Title:         title,
		OwnerID:       ownerID.String(),
		CreatedAtUnix: now,
		UpdatedAtUnix: now,
	}
	if err := s.db.WithContext(ctx).Create(&document).Error; err != nil {
		return newStoreError(opSeedDocument, reasonWriteFail, err)
	}
	return s.UpsertCollaborator(ctx, documentID, ownerID, RoleOwner)
}

// UpsertCollaborator adds or updates a collaborator's role on a document.
func (s *Store) UpsertCollaborator(ctx context.Context, documentID DocumentID, userID UserID, role Role) error {
	collaborator := Collaborator{
		DocumentID: documentID.String(),
		UserID:     userID.String(),
		Role:       role,
	}
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND user_id = ?", documentID.String(), userID.String()).
		Assign(Collaborator{Role: role}).
		FirstOrCreate(&collaborator).Error
	if err != nil {
		return newStoreError(opUpsertCollab, reasonWriteFail, err)
	}
	return nil
}

// UpsertUser creates or refreshes the user record the Auth Gate resolves against.
func (s *Store) UpsertUser(ctx context.Context, id UserID, email string) error {
	user := User{ID: id.String(), Email: email}
	err := s.db.WithContext(ctx).
		Where("id = ?", id.String()).
		Assign(User{Email: email}).
		FirstOrCreate(&user).Error
	if err != nil {
		return newStoreError(opSeedDocument, reasonWriteFail, err)
	}
	return nil
}
