package crdt

import (
	"bytes"
	"encoding/binary"
	"sync"
)

// AwarenessState is one client's ephemeral presence payload: cursor,
// selection, display color, or whatever the editor UI chooses to put in
// Data — this package treats it as opaque.
type AwarenessState struct {
	Clock   uint64
	Data    []byte // nil Data marks the client removed
	Present bool
}

// Awareness tracks ephemeral per-client metadata independently of document
// content. Updates are never persisted.
type Awareness struct {
	mu     sync.RWMutex
	states map[SiteID]AwarenessState
}

// NewAwareness constructs an empty awareness channel.
func NewAwareness() *Awareness {
	return &Awareness{states: make(map[SiteID]AwarenessState)}
}

// SetLocalState records client's own state and returns an update payload
// encoding just this change, ready to broadcast.
func (a *Awareness) SetLocalState(client SiteID, data []byte) []byte {
	a.mu.Lock()
	current := a.states[client]
	current.Clock++
	current.Data = data
	current.Present = data != nil
	a.states[client] = current
	a.mu.Unlock()
	return EncodeAwarenessUpdate(map[SiteID]AwarenessState{client: current})
}

// ApplyUpdate merges a remote update, returning the set of clients whose
// state actually changed (added, updated, or removed) — the set the
// client provider reports to its awareness-change handlers.
func (a *Awareness) ApplyUpdate(update []byte) ([]SiteID, error) {
	incoming, err := DecodeAwarenessUpdate(update)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	var changed []SiteID
	for client, next := range incoming {
		current, exists := a.states[client]
		if exists && next.Clock <= current.Clock {
			continue
		}
		a.states[client] = next
		changed = append(changed, client)
	}
	return changed, nil
}

// States returns a snapshot of all known client states.
func (a *Awareness) States() map[SiteID]AwarenessState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[SiteID]AwarenessState, len(a.states))
	for k, v := range a.states {
		out[k] = v
	}
	return out
}

// EncodeAwarenessUpdate serializes a subset of client states into a single
// binary payload.
func EncodeAwarenessUpdate(states map[SiteID]AwarenessState) []byte {
	var buf bytes.Buffer
	writeUvarint(&buf, uint64(len(states)))
	for client, state := range states {
		writeString(&buf, string(client))
		writeUvarint(&buf, state.Clock)
		if state.Present {
			buf.WriteByte(1)
			writeUvarint(&buf, uint64(len(state.Data)))
			buf.Write(state.Data)
		} else {
			buf.WriteByte(0)
		}
	}
	return buf.Bytes()
}

// DecodeAwarenessUpdate parses a binary awareness payload.
func DecodeAwarenessUpdate(payload []byte) (map[SiteID]AwarenessState, error) {
	r := bytes.NewReader(payload)
	count, err := binary.ReadUvarint(r)
	if err != nil {
		if len(payload) == 0 {
			return map[SiteID]AwarenessState{}, nil
		}
		return nil, errTruncatedPayload
	}
	out := make(map[SiteID]AwarenessState, count)
	for i := uint64(0); i < count; i++ {
		client, err := readString(r)
		if err != nil {
			return nil, err
		}
		clock, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, errTruncatedPayload
		}
		presentByte, err := r.ReadByte()
		if err != nil {
			return nil, errTruncatedPayload
		}
		state := AwarenessState{Clock: clock}
		if presentByte == 1 {
			length, err := binary.ReadUvarint(r)
			if err != nil {
				return nil, errTruncatedPayload
			}
			data := make([]byte, length)
			if n, err := r.Read(data); err != nil || uint64(n) != length {
				if length > 0 {
					return nil, errTruncatedPayload
				}
			}
			state.Data = data
			state.Present = true
		}
		out[SiteID(client)] = state
	}
	return out, nil
}
