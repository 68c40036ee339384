package crdt

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Byte layouts. Everything is little-endian uvarint; the leading version byte
// keeps the format stable across client/server versions deployed together.
//
//	snapshot:     version | op count | ops
//	op batch:     version | op count | ops
//	op:           actor | seq | kind | lamport | refActor | refSeq | rune (inserts only)
//	state vector: version | entry count | (actor, seq) pairs
const encodingVersion = 1

var (
	ErrBadEncoding        = errors.New("malformed payload")
	ErrUnsupportedVersion = errors.New("unsupported encoding version")
)

// Encode serialises the replica's full history. Decoding the result and
// merging any delta into it behaves identically to the original replica.
func (d *Document) Encode() []byte {
	return EncodeOps(d.log)
}

// Decode reconstructs a replica from an Encode snapshot, replaying its
// history under a fresh random actor ID.
func Decode(data []byte) (*Document, error) {
	ops, err := DecodeOps(data)
	if err != nil {
		return nil, err
	}
	d := New()
	d.ApplyOps(ops)
	return d, nil
}

// EncodeOps serialises a batch of operations, typically a delta produced by
// DeltaSince.
func EncodeOps(ops []Op) []byte {
	buf := make([]byte, 0, 1+len(ops)*8)
	buf = append(buf, encodingVersion)
	buf = binary.AppendUvarint(buf, uint64(len(ops)))
	for _, op := range ops {
		buf = binary.AppendUvarint(buf, op.ID.Actor)
		buf = binary.AppendUvarint(buf, op.ID.Seq)
		buf = append(buf, byte(op.Kind))
		buf = binary.AppendUvarint(buf, op.Lamport)
		buf = binary.AppendUvarint(buf, op.Ref.Actor)
		buf = binary.AppendUvarint(buf, op.Ref.Seq)
		if op.Kind == OpInsert {
			buf = binary.AppendUvarint(buf, uint64(op.Ch))
		}
	}
	return buf
}

// DecodeOps parses a batch serialised by EncodeOps.
func DecodeOps(data []byte) ([]Op, error) {
	r := reader{buf: data}
	version, err := r.byte()
	if err != nil {
		return nil, err
	}
	if version != encodingVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	count, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if count > uint64(len(data)) {
		// An op takes several bytes each, so this cannot be honest.
		return nil, ErrBadEncoding
	}
	ops := make([]Op, 0, count)
	for i := uint64(0); i < count; i++ {
		var op Op
		if op.ID.Actor, err = r.uvarint(); err != nil {
			return nil, err
		}
		if op.ID.Seq, err = r.uvarint(); err != nil {
			return nil, err
		}
		kind, err := r.byte()
		if err != nil {
			return nil, err
		}
		op.Kind = OpKind(kind)
		if op.Lamport, err = r.uvarint(); err != nil {
			return nil, err
		}
		if op.Ref.Actor, err = r.uvarint(); err != nil {
			return nil, err
		}
		if op.Ref.Seq, err = r.uvarint(); err != nil {
			return nil, err
		}
		if op.Kind == OpInsert {
			ch, err := r.uvarint()
			if err != nil {
				return nil, err
			}
			op.Ch = rune(ch)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// EncodeStateVector serialises a state vector for a sync-step1 announcement.
func EncodeStateVector(sv StateVector) []byte {
	buf := make([]byte, 0, 1+len(sv)*4)
	buf = append(buf, encodingVersion)
	buf = binary.AppendUvarint(buf, uint64(len(sv)))
	for actor, seq := range sv {
		buf = binary.AppendUvarint(buf, actor)
		buf = binary.AppendUvarint(buf, seq)
	}
	return buf
}

// DecodeStateVector parses an EncodeStateVector payload.
func DecodeStateVector(data []byte) (StateVector, error) {
	r := reader{buf: data}
	version, err := r.byte()
	if err != nil {
		return nil, err
	}
	if version != encodingVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	count, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if count > uint64(len(data)) {
		return nil, ErrBadEncoding
	}
	sv := make(StateVector, count)
	for i := uint64(0); i < count; i++ {
		actor, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		seq, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		sv[actor] = seq
	}
	return sv, nil
}

// reader walks a byte slice without panicking on truncated input.
type reader struct {
	buf []byte
	off int
}

func (r *reader) byte() (byte, error) {
	if r.off >= len(r.buf) {
		return 0, ErrBadEncoding
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *reader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		return 0, ErrBadEncoding
	}
	r.off += n
	return v, nil
}
