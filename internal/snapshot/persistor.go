// Package snapshot implements the Snapshot Persistor (C4): loading a
// replica's durable state on first activation and writing it back
// periodically or on retirement.
package snapshot

import (
	"context"

	"github.com/collabhub/hub/internal/crdt"
	"github.com/collabhub/hub/internal/documents"
	"go.uber.org/zap"
)

// DocumentStore is the metadata-store slice a Persistor depends on.
type DocumentStore interface {
	LoadDocument(ctx context.Context, documentID documents.DocumentID) (*documents.Document, error)
	PersistSnapshot(ctx context.Context, documentID documents.DocumentID, blob []byte) error
}

// Persistor bridges crdt.Document encodings to the metadata store.
type Persistor struct {
	store  DocumentStore
	logger *zap.Logger
}

// NewPersistor constructs a Persistor bound to store.
func NewPersistor(store DocumentStore, logger *zap.Logger) *Persistor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Persistor{store: store, logger: logger}
}

// Load reads documentID's stored snapshot, if any, and applies it to a
// freshly allocated replica. An empty or missing snapshot yields an empty
// replica.
func (p *Persistor) Load(ctx context.Context, documentID string) (*crdt.Document, error) {
	docID, err := documents.NewDocumentID(documentID)
	if err != nil {
		return nil, err
	}
	doc := crdt.NewDocument(crdt.SiteID("server:" + documentID))

	record, err := p.store.LoadDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	if record == nil || len(record.YjsSnapshot) == 0 {
		return doc, nil
	}
	if err := doc.ApplyUpdate(record.YjsSnapshot); err != nil {
		p.logger.Warn("snapshot blob failed to apply, starting empty replica",
			zap.String("document_id", documentID), zap.Error(err))
		return crdt.NewDocument(crdt.SiteID("server:" + documentID)), nil
	}
	return doc, nil
}

// Save encodes doc's full state and writes it to the metadata store.
func (p *Persistor) Save(ctx context.Context, documentID string, doc *crdt.Document) error {
	docID, err := documents.NewDocumentID(documentID)
	if err != nil {
		return err
	}
	blob := doc.EncodeStateAsUpdate()
	return p.store.PersistSnapshot(ctx, docID, blob)
}
