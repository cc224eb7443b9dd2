package integration_test

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/collabhub/hub/internal/access"
	"github.com/collabhub/hub/internal/crdt"
	"github.com/collabhub/hub/internal/documents"
	"github.com/collabhub/hub/internal/hub"
	"github.com/collabhub/hub/internal/identity"
	"github.com/collabhub/hub/internal/presence"
	"github.com/collabhub/hub/internal/replica"
	"github.com/collabhub/hub/internal/snapshot"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	integrationSigningSecret = "integration-secret"
	integrationIssuer        = "collabhub-test"
	integrationDocumentID    = "doc-shared"
)

type envelopeWire struct {
	Type        string `json:"type"`
	DocumentID  string `json:"documentId,omitempty"`
	StateVector []byte `json:"stateVector,omitempty"`
	Update      []byte `json:"update,omitempty"`
	Success     bool   `json:"success,omitempty"`
}

type harness struct {
	t        *testing.T
	server   *httptest.Server
	issuer   *identity.DevIssuer
	store    *documents.Store
	db       *gorm.DB
	replicas *replica.Registry
}

func newHarness(t *testing.T, updateThreshold int) *harness {
	t.Helper()

	dsn := fmt.Sprintf("file:collabhub_integration_%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&documents.User{}, &documents.Document{}, &documents.Collaborator{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	store, err := documents.NewStore(db, time.Now, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}

	ctx := context.Background()
	if err := store.UpsertUser(ctx, "alice", "alice@example.com"); err != nil {
		t.Fatalf("seed alice: %v", err)
	}
	if err := store.UpsertUser(ctx, "bob", "bob@example.com"); err != nil {
		t.Fatalf("seed bob: %v", err)
	}
	if err := store.Seed(ctx, integrationDocumentID, "Shared doc", "alice"); err != nil {
		t.Fatalf("seed document: %v", err)
	}
	if err := store.UpsertCollaborator(ctx, integrationDocumentID, "bob", documents.RoleEditor); err != nil {
		t.Fatalf("grant bob: %v", err)
	}

	validator, err := identity.NewHandshakeValidator(identity.ValidatorConfig{
		SigningSecret: []byte(integrationSigningSecret),
		Issuer:        integrationIssuer,
	}, store)
	if err != nil {
		t.Fatalf("build validator: %v", err)
	}
	issuer, err := identity.NewDevIssuer(identity.DevIssuerConfig{
		SigningSecret: []byte(integrationSigningSecret),
		Issuer:        integrationIssuer,
	})
	if err != nil {
		t.Fatalf("build issuer: %v", err)
	}

	resolver := access.NewResolver(store)
	rooms := presence.NewRegistry()
	persistor := snapshot.NewPersistor(store, zap.NewNop())
	replicas := replica.NewRegistry(persistor, rooms, replica.Config{
		SaveInterval:         time.Hour,
		UpdateThreshold:      updateThreshold,
		InactiveTimeout:      time.Hour,
		CleanupCheckInterval: time.Hour,
	}, zap.NewNop(), nil)
	t.Cleanup(replicas.Shutdown)

	hubServer, err := hub.NewServer(hub.Dependencies{
		Validator: validator,
		Access:    resolver,
		Replicas:  replicas,
		Rooms:     rooms,
		Config:    hub.Config{RateLimitPerSec: 1000, RateLimitBurst: 1000},
	})
	if err != nil {
		t.Fatalf("build hub: %v", err)
	}

	httpServer := httptest.NewServer(hubServer.Router())
	t.Cleanup(httpServer.Close)

	return &harness{t: t, server: httpServer, issuer: issuer, store: store, db: db, replicas: replicas}
}

func (h *harness) dial(userID string) *websocket.Conn {
	h.t.Helper()
	token, _, err := h.issuer.IssueToken(userID)
	if err != nil {
		h.t.Fatalf("issue token: %v", err)
	}
	wsURL := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws?access_token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		h.t.Fatalf("dial: %v", err)
	}
	return conn
}

func readWire(t *testing.T, conn *websocket.Conn, timeout time.Duration) envelopeWire {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	var msg envelopeWire
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return msg
}

func joinDocument(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	if err := conn.WriteJSON(envelopeWire{Type: "join-document", DocumentID: integrationDocumentID}); err != nil {
		t.Fatalf("join write failed: %v", err)
	}
	_ = readWire(t, conn, 2*time.Second) // yjs-sync
	ack := readWire(t, conn, 2*time.Second)
	if !ack.Success {
		t.Fatalf("join was not acknowledged")
	}
}

// TestTwoUsersConvergeOnSharedDocument drives two live sockets: alice
// inserts text, bob observes the update and applies it locally, and the two
// independently-maintained replicas converge to the same text (S1).
func TestTwoUsersConvergeOnSharedDocument(t *testing.T) {
	h := newHarness(t, 1000)

	alice := h.dial("alice")
	defer alice.Close()
	bob := h.dial("bob")
	defer bob.Close()

	joinDocument(t, alice)
	joinDocument(t, bob)
	_ = readWire(t, alice, 2*time.Second) // alice observes bob's join broadcast

	aliceDoc := crdt.NewDocument("alice")
	update, err := aliceDoc.InsertAt(0, "hello")
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := alice.WriteJSON(envelopeWire{Type: "yjs-update", DocumentID: integrationDocumentID, Update: update}); err != nil {
		t.Fatalf("send update failed: %v", err)
	}

	received := readWire(t, bob, 2*time.Second)
	if received.Type != "yjs-update" {
		t.Fatalf("expected yjs-update, got %s", received.Type)
	}

	bobDoc := crdt.NewDocument("bob")
	if err := bobDoc.ApplyUpdate(received.Update); err != nil {
		t.Fatalf("bob failed to apply update: %v", err)
	}
	if bobDoc.Text() != aliceDoc.Text() {
		t.Fatalf("replicas diverged: alice=%q bob=%q", aliceDoc.Text(), bobDoc.Text())
	}
}

// TestSnapshotThresholdPersistsToStore exercises the replica registry's
// update-count threshold: enough applied updates force a snapshot save
// without waiting on the save-interval timer (S5).
func TestSnapshotThresholdPersistsToStore(t *testing.T) {
	h := newHarness(t, 3)

	alice := h.dial("alice")
	defer alice.Close()
	joinDocument(t, alice)

	doc := crdt.NewDocument("alice")
	for i := 0; i < 5; i++ {
		update, err := doc.InsertAt(i, "x")
		if err != nil {
			t.Fatalf("insert failed: %v", err)
		}
		if err := alice.WriteJSON(envelopeWire{Type: "yjs-update", DocumentID: integrationDocumentID, Update: update}); err != nil {
			t.Fatalf("send update failed: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		record, err := h.store.LoadDocument(context.Background(), integrationDocumentID)
		if err != nil {
			t.Fatalf("load document failed: %v", err)
		}
		if record != nil && len(record.YjsSnapshot) > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected a snapshot to be persisted after crossing the update threshold")
}

// TestRetiredReplicaRehydratesFromSnapshot verifies that once the last
// subscriber leaves a document, the replica is persisted and torn down, and
// a later join rehydrates state from the snapshot rather than starting
// empty (S6).
func TestRetiredReplicaRehydratesFromSnapshot(t *testing.T) {
	h := newHarness(t, 1000)

	alice := h.dial("alice")
	joinDocument(t, alice)

	doc := crdt.NewDocument("alice")
	update, err := doc.InsertAt(0, "persisted")
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := alice.WriteJSON(envelopeWire{Type: "yjs-update", DocumentID: integrationDocumentID, Update: update}); err != nil {
		t.Fatalf("send update failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := alice.WriteJSON(envelopeWire{Type: "leave-document", DocumentID: integrationDocumentID}); err != nil {
		t.Fatalf("leave write failed: %v", err)
	}
	alice.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		record, loadErr := h.store.LoadDocument(context.Background(), integrationDocumentID)
		if loadErr != nil {
			t.Fatalf("load document failed: %v", loadErr)
		}
		if record != nil && len(record.YjsSnapshot) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	bob := h.dial("bob")
	defer bob.Close()
	if err := bob.WriteJSON(envelopeWire{Type: "join-document", DocumentID: integrationDocumentID}); err != nil {
		t.Fatalf("bob join failed: %v", err)
	}
	sync := readWire(t, bob, 2*time.Second)
	if sync.Type != "yjs-sync" {
		t.Fatalf("expected yjs-sync, got %s", sync.Type)
	}

	bobDoc := crdt.NewDocument("bob-replica")
	if err := bobDoc.ApplyUpdate(sync.Update); err != nil {
		t.Fatalf("bob failed to apply rehydrated state: %v", err)
	}
	if bobDoc.Text() != "persisted" {
		t.Fatalf("expected rehydrated text %q, got %q", "persisted", bobDoc.Text())
	}
}
