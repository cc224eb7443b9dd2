// Package crdt is the text replication engine the hub and client provider
// both depend on: a replicated growable array (RGA) of characters keyed by
// per-site Lamport identifiers, with tombstone deletion, state-vector diffing,
// and an independent awareness channel. The rest of this module treats it as
// an opaque dependency — apart from the InsertAt/DeleteAt/Text editing calls,
// replication goes through EncodeStateAsUpdate, EncodeStateVector,
// EncodeDiff, ApplyUpdate, and MergeUpdates, the primitive set the
// collaboration hub assumes an externally supplied CRDT library would expose.
package crdt

import (
	"errors"
	"sync"
)

// SiteID identifies the replica that authored an operation: a user session
// on the hub side, or a local provider instance on the client side.
type SiteID string

// OpID is a Lamport identifier: the Counter is local to Site and increments
// for every operation (insert or delete) that Site originates.
type OpID struct {
	Site    SiteID
	Counter uint64
}

// IsZero reports whether id denotes "no element" (used as OriginLeft for an
// insert at the very start of the document).
func (id OpID) IsZero() bool {
	return id.Site == "" && id.Counter == 0
}

// higherPriority reports whether a should be ordered before b among sibling
// insertions sharing the same OriginLeft. Ties break on Counter descending,
// then Site ascending, so the outcome is independent of arrival order.
func higherPriority(a, b OpID) bool {
	if a.Counter != b.Counter {
		return a.Counter > b.Counter
	}
	return a.Site < b.Site
}

type opKind byte

const (
	opInsert opKind = 1
	opDelete opKind = 2
)

// Op is one CRDT mutation: an insertion or a tombstoning of an existing
// element. A sequence of Ops is the wire "update" payload.
type Op struct {
	Kind       opKind
	ID         OpID
	OriginLeft OpID // insert only; zero means "start of document"
	Value      rune // insert only
	Target     OpID // delete only
}

type element struct {
	id         OpID
	originLeft OpID
	value      rune
	deleted    bool
}

var (
	// ErrUnknownOrigin is returned when an insert op's OriginLeft has not
	// been applied locally yet — a causal-dependency violation.
	ErrUnknownOrigin = errors.New("crdt: insert references unknown origin")
	// ErrUnknownTarget is returned when a delete op's Target has not been
	// applied locally yet.
	ErrUnknownTarget = errors.New("crdt: delete references unknown target")
	// ErrIndexOutOfRange is returned by index-addressed operations when index
	// exceeds the visible document length.
	ErrIndexOutOfRange = errors.New("crdt: index out of range")
)

// Document is one authoritative or local CRDT text replica.
type Document struct {
	mu          sync.RWMutex
	site        SiteID
	counter     uint64
	elements    []*element
	index       map[OpID]*element
	log         []Op
	stateVector map[SiteID]uint64
}

// NewDocument constructs an empty replica identified by site. site must be
// unique among peers concurrently editing the same document.
func NewDocument(site SiteID) *Document {
	return &Document{
		site:        site,
		index:       make(map[OpID]*element),
		stateVector: make(map[SiteID]uint64),
	}
}

// Text flattens the visible (non-tombstoned) characters into a string, in
// document order.
func (d *Document) Text() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.textLocked()
}

func (d *Document) textLocked() string {
	buf := make([]rune, 0, len(d.elements))
	for _, e := range d.elements {
		if e.deleted {
			continue
		}
		buf = append(buf, e.value)
	}
	return string(buf)
}

// Len returns the number of visible characters.
func (d *Document) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	count := 0
	for _, e := range d.elements {
		if !e.deleted {
			count++
		}
	}
	return count
}

// InsertAt inserts text before the visible character at index (0 == start of
// document, Len() == end of document) and returns the encoded update
// representing exactly this insertion.
func (d *Document) InsertAt(index int, text string) ([]byte, error) {
	if text == "" {
		return nil, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	origin, err := d.originForVisibleIndexLocked(index)
	if err != nil {
		return nil, err
	}

	ops := make([]Op, 0, len(text))
	for _, r := range text {
		d.counter++
		op := Op{Kind: opInsert, ID: OpID{Site: d.site, Counter: d.counter}, OriginLeft: origin, Value: r}
		if err := d.applyOpLocked(op); err != nil {
			return nil, err
		}
		ops = append(ops, op)
		origin = op.ID
	}
	return encodeOps(ops), nil
}

// DeleteAt tombstones the count visible characters starting at index and
// returns the encoded update representing exactly those deletions.
func (d *Document) DeleteAt(index, count int) ([]byte, error) {
	if count <= 0 {
		return nil, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	targets, err := d.visibleIDsLocked(index, count)
	if err != nil {
		return nil, err
	}

	ops := make([]Op, 0, len(targets))
	for _, target := range targets {
		d.counter++
		op := Op{Kind: opDelete, ID: OpID{Site: d.site, Counter: d.counter}, Target: target}
		if err := d.applyOpLocked(op); err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return encodeOps(ops), nil
}

// ApplyUpdate applies a remote update to this replica. Operations already
// present (by OpID) are skipped, making application idempotent. Returns
// ErrUnknownOrigin/ErrUnknownTarget if an operation's dependency has not
// been observed yet; callers should log and drop the update rather than
// treat this as fatal — malformed or out-of-order payloads are logged and
// dropped, with the connection preserved.
func (d *Document) ApplyUpdate(update []byte) error {
	ops, err := decodeOps(update)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, op := range ops {
		if err := d.applyOpLocked(op); err != nil {
			return err
		}
	}
	return nil
}

func (d *Document) applyOpLocked(op Op) error {
	if _, exists := d.index[op.ID]; exists {
		return nil
	}
	switch op.Kind {
	case opInsert:
		if !op.OriginLeft.IsZero() {
			if _, ok := d.index[op.OriginLeft]; !ok {
				return ErrUnknownOrigin
			}
		}
		e := &element{id: op.ID, originLeft: op.OriginLeft, value: op.Value}
		d.insertElementLocked(e)
		d.index[op.ID] = e
	case opDelete:
		target, ok := d.index[op.Target]
		if !ok {
			return ErrUnknownTarget
		}
		target.deleted = true
		d.index[op.ID] = target
	}
	d.log = append(d.log, op)
	if op.ID.Counter > d.stateVector[op.ID.Site] {
		d.stateVector[op.ID.Site] = op.ID.Counter
	}
	return nil
}

// insertElementLocked places e at its canonical RGA position: immediately
// after its origin, skipping any already-present siblings of higher
// priority together with the elements inserted after them, so the final
// position is independent of application order.
func (d *Document) insertElementLocked(e *element) {
	start := 0
	if !e.originLeft.IsZero() {
		start = d.positionOfLocked(e.originLeft) + 1
	}
	i := start
	for i < len(d.elements) {
		sibling := d.elements[i]
		if sibling.originLeft == e.originLeft {
			if !higherPriority(sibling.id, e.id) {
				break
			}
			i++
			continue
		}
		// Not a sibling: it descends from a skipped sibling exactly when its
		// origin lies inside the skipped range.
		if d.positionOfLocked(sibling.originLeft) < start {
			break
		}
		i++
	}
	d.elements = append(d.elements, nil)
	copy(d.elements[i+1:], d.elements[i:])
	d.elements[i] = e
}

func (d *Document) positionOfLocked(id OpID) int {
	for i, e := range d.elements {
		if e.id == id {
			return i
		}
	}
	return -1
}

func (d *Document) originForVisibleIndexLocked(visibleIndex int) (OpID, error) {
	count := 0
	var last OpID
	for _, e := range d.elements {
		if e.deleted {
			continue
		}
		if count == visibleIndex {
			return last, nil
		}
		last = e.id
		count++
	}
	if visibleIndex == count {
		return last, nil
	}
	return OpID{}, ErrIndexOutOfRange
}

func (d *Document) visibleIDsLocked(index, count int) ([]OpID, error) {
	ids := make([]OpID, 0, count)
	seen := 0
	for _, e := range d.elements {
		if e.deleted {
			continue
		}
		if seen >= index && seen < index+count {
			ids = append(ids, e.id)
		}
		seen++
	}
	if len(ids) != count {
		return nil, ErrIndexOutOfRange
	}
	return ids, nil
}

// EncodeStateAsUpdate returns the full operation log, sufficient to
// reconstruct this replica's exact state from an empty document.
func (d *Document) EncodeStateAsUpdate() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return encodeOps(d.log)
}

// EncodeStateVector returns the per-site counter summary of everything this
// replica has observed.
func (d *Document) EncodeStateVector() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return encodeStateVector(d.stateVector)
}

// EncodeDiff returns the operations this replica has that the peer
// identified by clientStateVector has not yet observed. If the vector is
// empty or cannot be decoded, the full state is returned instead.
func (d *Document) EncodeDiff(clientStateVector []byte) []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if len(clientStateVector) == 0 {
		return encodeOps(d.log)
	}
	sv, err := decodeStateVector(clientStateVector)
	if err != nil {
		return encodeOps(d.log)
	}

	missing := make([]Op, 0, len(d.log))
	for _, op := range d.log {
		if op.ID.Counter > sv[op.ID.Site] {
			missing = append(missing, op)
		}
	}
	return encodeOps(missing)
}

// MergeUpdates concatenates the operations of several already-applied
// updates into a single payload, preserving relative order within each
// input — used by the client provider to coalesce a debounce window's
// worth of local edits into one outbound message.
func MergeUpdates(updates ...[]byte) ([]byte, error) {
	merged := make([]Op, 0)
	for _, update := range updates {
		ops, err := decodeOps(update)
		if err != nil {
			return nil, err
		}
		merged = append(merged, ops...)
	}
	return encodeOps(merged), nil
}
