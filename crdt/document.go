// Package crdt implements the replicated sequence that backs a shared
// document. A replica is an append-only log of insert and delete operations
// plus a state vector recording how much of each actor's history it has seen.
// Applying the same set of operations in any order, with any duplication,
// yields the same text.
package crdt

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
)

var ErrPositionOutOfBounds = errors.New("position out of bounds")

// OpID identifies one operation: the actor that produced it and the actor's
// own sequence number, starting at 1. The zero OpID marks the document start.
type OpID struct {
	Actor uint64
	Seq   uint64
}

// IsZero reports whether the ID is the document-start sentinel.
func (id OpID) IsZero() bool {
	return id.Actor == 0 && id.Seq == 0
}

// OpKind discriminates insert and delete operations.
type OpKind uint8

const (
	OpInsert OpKind = iota + 1
	OpDelete
)

// Op is one replicated operation.
//
// For an insert, Ref is the ID of the character to the left of the insertion
// point (zero for the document start) and Ch is the inserted rune. For a
// delete, Ref is the ID of the character being removed and Ch is unused.
type Op struct {
	ID      OpID
	Kind    OpKind
	Lamport uint64
	Ref     OpID
	Ch      rune
}

// elem is one integrated insert in document order. Deletes tombstone the
// element rather than removing it, so later concurrent inserts can still
// anchor on it.
type elem struct {
	id      OpID
	lamport uint64
	ref     OpID
	ch      rune
	deleted bool
}

// Document is one replica of the shared sequence.
//
// The op log is an append-only arena: operations are appended in an order
// consistent with causality (an operation never precedes the operation it
// references), which lets DeltaSince replay a suffix of history to a peer.
// Integration order of the visible text is kept separately in elems.
type Document struct {
	actor   uint64
	lamport uint64

	log   []Op
	elems []elem
	index map[OpID]int // elems position per insert ID

	sv      StateVector
	applied map[OpID]struct{}

	// Operations whose referenced character has not arrived yet. They are
	// retried after every successful integration.
	pending []Op
}

// New returns an empty replica with a random actor ID.
func New() *Document {
	return NewWithActor(randomActor())
}

// NewWithActor returns an empty replica for the given actor ID. Actor IDs
// must be non-zero and unique among live replicas of the same document.
func NewWithActor(actor uint64) *Document {
	return &Document{
		actor:   actor,
		index:   make(map[OpID]int),
		sv:      make(StateVector),
		applied: make(map[OpID]struct{}),
	}
}

func randomActor() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	n := binary.LittleEndian.Uint64(b[:])
	if n == 0 {
		n = 1
	}
	return n
}

// Actor returns the replica's actor ID.
func (d *Document) Actor() uint64 {
	return d.actor
}

// Content returns the visible text.
func (d *Document) Content() string {
	out := make([]rune, 0, len(d.elems))
	for _, e := range d.elems {
		if !e.deleted {
			out = append(out, e.ch)
		}
	}
	return string(out)
}

// Len returns the number of visible runes.
func (d *Document) Len() int {
	n := 0
	for _, e := range d.elems {
		if !e.deleted {
			n++
		}
	}
	return n
}

// StateVector returns a copy of the replica's state vector.
func (d *Document) StateVector() StateVector {
	return d.sv.Clone()
}

// Insert inserts text at the given visible rune position and returns the
// generated operations, one per rune, ready to be sent to peers.
func (d *Document) Insert(position int, text string) ([]Op, error) {
	if position < 0 || position > d.Len() {
		return nil, ErrPositionOutOfBounds
	}
	ref := d.idAtVisible(position - 1)

	runes := []rune(text)
	ops := make([]Op, 0, len(runes))
	for _, r := range runes {
		op := d.nextOp(OpInsert)
		op.Ref = ref
		op.Ch = r
		d.integrateInsert(op)
		d.record(op)
		ops = append(ops, op)
		ref = op.ID
	}
	return ops, nil
}

// Delete removes n visible runes starting at the given position and returns
// the generated operations.
func (d *Document) Delete(position, n int) ([]Op, error) {
	if position < 0 || n < 0 || position+n > d.Len() {
		return nil, ErrPositionOutOfBounds
	}
	ops := make([]Op, 0, n)
	for i := 0; i < n; i++ {
		// The target shifts as runes disappear, so always resolve at
		// the same visible position.
		id := d.idAtVisible(position)
		op := d.nextOp(OpDelete)
		op.Ref = id
		d.integrateDelete(op)
		d.record(op)
		ops = append(ops, op)
	}
	return ops, nil
}

// ApplyOps merges remote operations into the replica. Duplicates are skipped
// and operations that arrive before the character they reference are parked
// and replayed once the reference shows up. Application order does not affect
// the converged text.
func (d *Document) ApplyOps(ops []Op) {
	for _, op := range ops {
		d.apply(op)
	}
	d.drainPending()
}

func (d *Document) apply(op Op) {
	if _, dup := d.applied[op.ID]; dup {
		return
	}
	// The state vector must stay contiguous per actor, or a peer reading
	// it would never resend the gap. Park anything ahead of its turn.
	if op.ID.Seq != d.sv[op.ID.Actor]+1 {
		d.pending = append(d.pending, op)
		return
	}
	if !op.Ref.IsZero() {
		if _, ok := d.index[op.Ref]; !ok {
			d.pending = append(d.pending, op)
			return
		}
	}
	if op.Lamport > d.lamport {
		d.lamport = op.Lamport
	}
	switch op.Kind {
	case OpInsert:
		d.integrateInsert(op)
	case OpDelete:
		d.integrateDelete(op)
	}
	// Recorded even for kinds this version does not integrate, so the
	// actor's sequence never stalls on a newer peer's operation.
	d.record(op)
}

// drainPending retries parked operations until a full pass makes no progress.
func (d *Document) drainPending() {
	for {
		if len(d.pending) == 0 {
			return
		}
		waiting := d.pending
		d.pending = nil
		before := len(waiting)
		for _, op := range waiting {
			d.apply(op)
		}
		if len(d.pending) == before {
			return
		}
	}
}

// record appends an accepted operation to the arena log and advances the
// state vector.
func (d *Document) record(op Op) {
	d.log = append(d.log, op)
	d.applied[op.ID] = struct{}{}
	if op.ID.Seq > d.sv[op.ID.Actor] {
		d.sv[op.ID.Actor] = op.ID.Seq
	}
}

func (d *Document) nextOp(kind OpKind) Op {
	d.lamport++
	return Op{
		ID:      OpID{Actor: d.actor, Seq: d.sv[d.actor] + 1},
		Kind:    kind,
		Lamport: d.lamport,
	}
}

// idAtVisible returns the ID of the visible rune at the position, or the zero
// ID when position is -1 (document start).
func (d *Document) idAtVisible(position int) OpID {
	if position < 0 {
		return OpID{}
	}
	seen := 0
	for _, e := range d.elems {
		if e.deleted {
			continue
		}
		if seen == position {
			return e.id
		}
		seen++
	}
	return OpID{}
}

// integrateInsert places an insert at its converged position: directly after
// its reference, past any concurrent sibling whose (lamport, actor) order is
// greater. Elements anchored further right belong to a greater sibling's
// subtree and are skipped with it.
func (d *Document) integrateInsert(op Op) {
	refIdx := -1
	if !op.Ref.IsZero() {
		refIdx = d.index[op.Ref]
	}
	pos := refIdx + 1
	for pos < len(d.elems) {
		c := d.elems[pos]
		cRefIdx := -1
		if !c.ref.IsZero() {
			cRefIdx = d.index[c.ref]
		}
		if cRefIdx < refIdx {
			break
		}
		if cRefIdx == refIdx && !greater(c.lamport, c.id.Actor, op.Lamport, op.ID.Actor) {
			break
		}
		pos++
	}

	d.elems = append(d.elems, elem{})
	copy(d.elems[pos+1:], d.elems[pos:])
	d.elems[pos] = elem{id: op.ID, lamport: op.Lamport, ref: op.Ref, ch: op.Ch}
	for i := pos; i < len(d.elems); i++ {
		d.index[d.elems[i].id] = i
	}
}

func (d *Document) integrateDelete(op Op) {
	if i, ok := d.index[op.Ref]; ok {
		d.elems[i].deleted = true
	}
}

// greater orders concurrent siblings: later lamport wins, actor breaks ties.
func greater(aLamport, aActor, bLamport, bActor uint64) bool {
	if aLamport != bLamport {
		return aLamport > bLamport
	}
	return aActor > bActor
}

// DeltaSince returns the operations the holder of the given state vector is
// missing, in an order safe to replay.
func (d *Document) DeltaSince(sv StateVector) []Op {
	var out []Op
	for _, op := range d.log {
		if op.ID.Seq > sv[op.ID.Actor] {
			out = append(out, op)
		}
	}
	return out
}
