package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/collabhub/hub/internal/crdt"
	"github.com/gorilla/websocket"
)

// fakeHub is a minimal stand-in for the hub dispatcher: it answers a join
// with yjs-sync and a successful ack, and records every yjs-update it
// receives on updatesCh so the test can assert on coalescing without a full
// server.
type fakeHub struct {
	upgrader   websocket.Upgrader
	updatesCh  chan []byte
	joinCh     chan struct{}
}

func newFakeHub() *fakeHub {
	return &fakeHub{
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		updatesCh: make(chan []byte, 64),
		joinCh:    make(chan struct{}, 8),
	}
}

func (h *fakeHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg envelope
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case typeJoinDocument, typeRejoinDocument:
			h.joinCh <- struct{}{}
			syncPayload, _ := encodeEnvelope(envelope{Type: typeYjsSync, DocumentID: msg.DocumentID})
			conn.WriteMessage(websocket.TextMessage, syncPayload)
			ackPayload, _ := encodeEnvelope(envelope{Type: typeAck, DocumentID: msg.DocumentID, Success: true})
			conn.WriteMessage(websocket.TextMessage, ackPayload)
		case typeYjsUpdate:
			h.updatesCh <- msg.Update
		}
	}
}

func newConnectedProvider(t *testing.T, server *httptest.Server) *Provider {
	t.Helper()
	wsURL := "ws" + server.URL[len("http"):] + "/ws"
	provider := NewProvider(Config{
		URL:        wsURL,
		Token:      "test-token",
		DocumentID: "doc-1",
		SiteID:     "local-site",
	})
	if err := provider.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	t.Cleanup(func() { provider.Close() })
	return provider
}

func TestConnectJoinsAndMarksSynced(t *testing.T) {
	hub := newFakeHub()
	server := httptest.NewServer(hub)
	defer server.Close()

	provider := newConnectedProvider(t, server)

	select {
	case <-hub.joinCh:
	case <-time.After(time.Second):
		t.Fatal("hub never observed a join")
	}

	provider.mu.Lock()
	synced := provider.synced
	provider.mu.Unlock()
	if !synced {
		t.Fatal("expected provider to be marked synced after join ack")
	}
}

func TestLocalEditsDoNotEchoIntoLocalReplicaTwice(t *testing.T) {
	hub := newFakeHub()
	server := httptest.NewServer(hub)
	defer server.Close()

	provider := newConnectedProvider(t, server)
	<-hub.joinCh

	if err := provider.InsertAt(0, "hi"); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if got := provider.Document().Text(); got != "hi" {
		t.Fatalf("expected local text %q, got %q", "hi", got)
	}

	var update []byte
	select {
	case update = <-hub.updatesCh:
	case <-time.After(time.Second):
		t.Fatal("hub never received the debounced update")
	}

	// Simulate the hub bouncing the same update back as a remote yjs-update,
	// exercising the no-echo path: applying an update already reflected in
	// the local replica must not duplicate its effect.
	if err := provider.doc.ApplyUpdate(update); err != nil {
		t.Fatalf("idempotent re-apply failed: %v", err)
	}
	if got := provider.Document().Text(); got != "hi" {
		t.Fatalf("expected text unchanged after re-applying own update, got %q", got)
	}
}

func TestRapidLocalEditsCoalesceIntoQueueSizedBatches(t *testing.T) {
	hub := newFakeHub()
	server := httptest.NewServer(hub)
	defer server.Close()

	provider := newConnectedProvider(t, server)
	<-hub.joinCh

	// 20 rapid edits with the default MaxQueueSize of 10: the queue flushes
	// immediately at the 10th and again at the 20th edit, each flush merging
	// ten edits into one update.
	const chars = "abcdefghijklmnopqrst"
	for i, ch := range chars {
		if err := provider.InsertAt(i, string(ch)); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}

	peer := crdt.NewDocument("peer")
	for _, want := range []string{chars[:10], chars} {
		select {
		case update := <-hub.updatesCh:
			if err := peer.ApplyUpdate(update); err != nil {
				t.Fatalf("apply coalesced update failed: %v", err)
			}
			if got := peer.Text(); got != want {
				t.Fatalf("expected %q after coalesced update, got %q", want, got)
			}
		case <-time.After(time.Second):
			t.Fatal("expected a coalesced update")
		}
	}

	select {
	case extra := <-hub.updatesCh:
		t.Fatalf("expected exactly two coalesced updates, got a third: %v", extra)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestRemoteUpdateAppliesToLocalReplicaAndFiresHandler(t *testing.T) {
	hub := newFakeHub()
	server := httptest.NewServer(hub)
	defer server.Close()

	provider := newConnectedProvider(t, server)
	<-hub.joinCh

	notified := make(chan string, 4)
	provider.OnUpdate(func(text string) { notified <- text })

	remote := crdt.NewDocument("remote-site")
	update, err := remote.InsertAt(0, "remote")
	if err != nil {
		t.Fatalf("failed to build remote update: %v", err)
	}
	provider.handleInbound(envelope{Type: typeYjsUpdate, DocumentID: "doc-1", Update: update})

	select {
	case text := <-notified:
		if text != "remote" {
			t.Fatalf("expected local replica to reflect remote insert, got %q", text)
		}
	case <-time.After(time.Second):
		t.Fatal("update handler was never invoked")
	}
}

func TestAwarenessUpdateAppliesAndNotifies(t *testing.T) {
	hub := newFakeHub()
	server := httptest.NewServer(hub)
	defer server.Close()

	provider := newConnectedProvider(t, server)
	<-hub.joinCh

	changedCh := make(chan []crdt.SiteID, 1)
	provider.OnAwarenessChange(func(clients []crdt.SiteID) { changedCh <- clients })

	remoteAwareness := crdt.NewAwareness()
	update := remoteAwareness.SetLocalState("peer-site", []byte(`{"cursor":4}`))
	provider.handleInbound(envelope{Type: typeYjsAwareness, DocumentID: "doc-1", Update: update})

	select {
	case changed := <-changedCh:
		if len(changed) != 1 || changed[0] != "peer-site" {
			t.Fatalf("expected peer-site reported as changed, got %v", changed)
		}
	case <-time.After(time.Second):
		t.Fatal("awareness handler was never invoked")
	}
}

func TestCloseFlushesPendingUpdateBestEffort(t *testing.T) {
	hub := newFakeHub()
	server := httptest.NewServer(hub)
	defer server.Close()

	provider := newConnectedProvider(t, server)
	<-hub.joinCh

	// Use a long debounce window so the pending update would not flush on
	// its own before Close forces it out.
	provider.config.DebounceWait = time.Minute
	if err := provider.InsertAt(0, "x"); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	if err := provider.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	select {
	case <-hub.updatesCh:
	case <-time.After(time.Second):
		t.Fatal("expected Close to flush the pending update")
	}
}
