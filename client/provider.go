// Package client implements the Client Provider (C7): the local bridge
// between an application's in-process CRDT replica and the hub's WebSocket
// protocol. It debounces local edits into coalesced updates, applies remote
// updates and awareness changes without re-emitting them, and resyncs via
// state-vector diff across reconnects.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/collabhub/hub/internal/crdt"
	"github.com/gorilla/websocket"
)

// Config controls dial target, credentials, and local batching behavior.
type Config struct {
	URL          string
	Token        string
	DocumentID   string
	SiteID       crdt.SiteID
	MaxQueueSize int
	DebounceWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 10
	}
	if c.DebounceWait <= 0 {
		c.DebounceWait = 50 * time.Millisecond
	}
	return c
}

var (
	// ErrNotConnected is returned by operations that require a live socket.
	ErrNotConnected = errors.New("client: not connected")
	errAckFailed    = errors.New("client: join was not acknowledged")
)

// UpdateHandler is invoked whenever the local replica's text changes,
// whether from a local edit or an applied remote update.
type UpdateHandler func(text string)

// Provider owns one document's local replica and its socket connection.
type Provider struct {
	config    Config
	doc       *crdt.Document
	awareness *crdt.Awareness

	mu          sync.Mutex
	writeMu     sync.Mutex // serializes WriteMessage calls across flush and send
	conn        *websocket.Conn
	synced      bool
	pending     [][]byte
	flushTimer  *time.Timer
	closed      bool
	onUpdate    []UpdateHandler
	onAwareness []func(clients []crdt.SiteID)

	readDone chan struct{}
}

// NewProvider builds a Provider bound to a fresh, empty local replica.
// Applications that already hold a persisted replica should use
// NewProviderWithDocument instead.
func NewProvider(cfg Config) *Provider {
	cfg = cfg.withDefaults()
	return &Provider{
		config:    cfg,
		doc:       crdt.NewDocument(cfg.SiteID),
		awareness: crdt.NewAwareness(),
	}
}

// NewProviderWithDocument binds the provider to an existing local replica,
// for applications resuming from a cached snapshot.
func NewProviderWithDocument(cfg Config, doc *crdt.Document) *Provider {
	cfg = cfg.withDefaults()
	return &Provider{
		config:    cfg,
		doc:       doc,
		awareness: crdt.NewAwareness(),
	}
}

// Document exposes the local replica for direct reads.
func (p *Provider) Document() *crdt.Document { return p.doc }

// OnUpdate registers a callback fired after any local or remote mutation.
func (p *Provider) OnUpdate(handler UpdateHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onUpdate = append(p.onUpdate, handler)
}

// OnAwarenessChange registers a callback fired with the set of clients whose
// awareness state changed, whether locally set or received remotely.
func (p *Provider) OnAwarenessChange(handler func(clients []crdt.SiteID)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onAwareness = append(p.onAwareness, handler)
}

// Connect dials the hub, performs the join handshake, and starts the
// background read loop. It blocks until the join is acknowledged.
func (p *Provider) Connect(ctx context.Context) error {
	conn, err := p.dial(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.conn = conn
	p.closed = false
	p.mu.Unlock()

	p.readDone = make(chan struct{})
	go p.readLoop(p.readDone)

	return p.join(typeJoinDocument, nil)
}

// Reconnect re-dials and resumes via state-vector diff rather than a full
// resync; if the hub cannot satisfy the diff it falls back to a full join.
func (p *Provider) Reconnect(ctx context.Context) error {
	conn, err := p.dial(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.conn = conn
	p.synced = false
	p.closed = false
	p.mu.Unlock()

	p.readDone = make(chan struct{})
	go p.readLoop(p.readDone)

	sv := p.doc.EncodeStateVector()
	if err := p.join(typeRejoinDocument, sv); err != nil {
		return p.join(typeJoinDocument, nil)
	}
	return nil
}

func (p *Provider) dial(ctx context.Context) (*websocket.Conn, error) {
	target, err := url.Parse(p.config.URL)
	if err != nil {
		return nil, fmt.Errorf("client: invalid url: %w", err)
	}
	query := target.Query()
	query.Set("access_token", p.config.Token)
	target.RawQuery = query.Encode()

	header := http.Header{}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, target.String(), header)
	if err != nil {
		return nil, fmt.Errorf("client: dial failed: %w", err)
	}
	return conn, nil
}

func (p *Provider) join(messageType string, stateVector []byte) error {
	if err := p.send(envelope{Type: messageType, DocumentID: p.config.DocumentID, StateVector: stateVector}); err != nil {
		return err
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		synced := p.synced
		p.mu.Unlock()
		if synced {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return errAckFailed
}

// InsertAt applies a local insertion and schedules it for transmission.
func (p *Provider) InsertAt(index int, text string) error {
	update, err := p.doc.InsertAt(index, text)
	if err != nil {
		return err
	}
	p.fireUpdate()
	p.enqueue(update)
	return nil
}

// DeleteAt applies a local deletion and schedules it for transmission.
func (p *Provider) DeleteAt(index, count int) error {
	update, err := p.doc.DeleteAt(index, count)
	if err != nil {
		return err
	}
	p.fireUpdate()
	p.enqueue(update)
	return nil
}

// SetAwareness publishes the caller's local awareness payload.
func (p *Provider) SetAwareness(data []byte) error {
	update := p.awareness.SetLocalState(p.config.SiteID, data)
	return p.send(envelope{Type: typeYjsAwareness, DocumentID: p.config.DocumentID, Update: update})
}

// enqueue coalesces update into the pending buffer, flushing immediately
// once MaxQueueSize is reached and otherwise restarting the debounce timer.
func (p *Provider) enqueue(update []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending = append(p.pending, update)
	if len(p.pending) >= p.config.MaxQueueSize {
		p.flushLocked()
		return
	}

	if p.flushTimer != nil {
		p.flushTimer.Stop()
	}
	p.flushTimer = time.AfterFunc(p.config.DebounceWait, p.flush)
}

func (p *Provider) flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushLocked()
}

// flushLocked merges and sends pending updates; callers must hold p.mu.
func (p *Provider) flushLocked() {
	if len(p.pending) == 0 {
		return
	}
	merged, err := crdt.MergeUpdates(p.pending...)
	p.pending = nil
	if p.flushTimer != nil {
		p.flushTimer.Stop()
		p.flushTimer = nil
	}
	if err != nil || p.conn == nil {
		return
	}
	payload, err := encodeEnvelope(envelope{Type: typeYjsUpdate, DocumentID: p.config.DocumentID, Update: merged})
	if err != nil {
		return
	}
	conn := p.conn
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	conn.WriteMessage(websocket.TextMessage, payload)
}

func (p *Provider) send(msg envelope) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	payload, err := encodeEnvelope(msg)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (p *Provider) readLoop(done chan struct{}) {
	defer close(done)
	for {
		p.mu.Lock()
		conn := p.conn
		p.mu.Unlock()
		if conn == nil {
			return
		}
		_, payload, err := conn.ReadMessage()
		if err != nil {
			p.mu.Lock()
			p.synced = false
			p.mu.Unlock()
			return
		}
		var msg envelope
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		p.handleInbound(msg)
	}
}

func (p *Provider) handleInbound(msg envelope) {
	switch msg.Type {
	case typeYjsSync:
		if len(msg.Update) > 0 {
			p.doc.ApplyUpdate(msg.Update)
		}
		p.mu.Lock()
		p.synced = true
		p.mu.Unlock()
		p.fireUpdate()
	case typeAck:
		if !msg.Success {
			p.mu.Lock()
			p.synced = false
			p.mu.Unlock()
			return
		}
		p.mu.Lock()
		p.synced = true
		p.mu.Unlock()
	case typeYjsUpdate:
		if err := p.doc.ApplyUpdate(msg.Update); err == nil {
			p.fireUpdate()
		}
	case typeYjsAwareness:
		changed, err := p.awareness.ApplyUpdate(msg.Update)
		if err == nil {
			p.fireAwareness(changed)
		}
	case typePermissionDenied, typeUserJoined, typeUserLeft:
		// No local replica mutation: these are informational for the host
		// application, which should listen via its own transport layer if
		// it needs them surfaced.
	}
}

func (p *Provider) fireUpdate() {
	p.mu.Lock()
	handlers := append([]UpdateHandler(nil), p.onUpdate...)
	p.mu.Unlock()
	text := p.doc.Text()
	for _, handler := range handlers {
		handler(text)
	}
}

func (p *Provider) fireAwareness(changed []crdt.SiteID) {
	if len(changed) == 0 {
		return
	}
	p.mu.Lock()
	handlers := append([]func([]crdt.SiteID){}, p.onAwareness...)
	p.mu.Unlock()
	for _, handler := range handlers {
		handler(changed)
	}
}

// Close flushes any pending local updates best-effort, then tears down the
// socket and its background loops.
func (p *Provider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.flushLocked()
	conn := p.conn
	p.conn = nil
	readDone := p.readDone
	p.mu.Unlock()

	var closeErr error
	if conn != nil {
		closeErr = conn.Close()
	}
	if readDone != nil {
		<-readDone
	}
	return closeErr
}
