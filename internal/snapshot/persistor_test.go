package snapshot

import (
	"context"
	"testing"

	"github.com/collabhub/hub/internal/crdt"
	"github.com/collabhub/hub/internal/documents"
)

type fakeDocumentStore struct {
	records map[string]*documents.Document
}

func (f *fakeDocumentStore) LoadDocument(_ context.Context, documentID documents.DocumentID) (*documents.Document, error) {
	return f.records[documentID.String()], nil
}

func (f *fakeDocumentStore) PersistSnapshot(_ context.Context, documentID documents.DocumentID, blob []byte) error {
	record, ok := f.records[documentID.String()]
	if !ok {
		record = &documents.Document{ID: documentID.String()}
		f.records[documentID.String()] = record
	}
	record.YjsSnapshot = blob
	return nil
}

func TestLoadWithNoPriorSnapshotYieldsEmptyReplica(t *testing.T) {
	store := &fakeDocumentStore{records: map[string]*documents.Document{
		"doc-1": {ID: "doc-1"},
	}}
	persistor := NewPersistor(store, nil)

	doc, err := persistor.Load(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.Text() != "" {
		t.Fatalf("expected empty replica, got %q", doc.Text())
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	store := &fakeDocumentStore{records: map[string]*documents.Document{
		"doc-1": {ID: "doc-1"},
	}}
	persistor := NewPersistor(store, nil)

	original := crdt.NewDocument("alice")
	if _, err := original.InsertAt(0, "hello"); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	if err := persistor.Save(context.Background(), "doc-1", original); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	reloaded, err := persistor.Load(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if reloaded.Text() != "hello" {
		t.Fatalf("unexpected reloaded text: %q", reloaded.Text())
	}
}
