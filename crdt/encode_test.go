package crdt

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// TestSnapshotRoundTrip encodes a replica, decodes it, and checks that the
// copy merges a later delta exactly like the original.
func TestSnapshotRoundTrip(t *testing.T) {
	orig := NewWithActor(1)
	mustInsert(t, orig, 0, "snapshot body")
	if _, err := orig.Delete(8, 1); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	loaded, err := Decode(orig.Encode())
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if loaded.Content() != orig.Content() {
		t.Fatalf("content mismatch after round trip: %q vs %q", loaded.Content(), orig.Content())
	}

	// A delta produced elsewhere must merge identically into both.
	other := NewWithActor(2)
	other.ApplyOps(orig.DeltaSince(nil))
	delta, _ := other.Insert(0, ">> ")

	orig.ApplyOps(delta)
	loaded.ApplyOps(delta)
	if loaded.Content() != orig.Content() {
		t.Errorf("divergence after merge: %q vs %q", loaded.Content(), orig.Content())
	}
}

func TestOpsRoundTrip(t *testing.T) {
	doc := NewWithActor(7)
	mustInsert(t, doc, 0, "naïve 編集")
	if _, err := doc.Delete(0, 2); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	ops := doc.DeltaSince(nil)
	decoded, err := DecodeOps(EncodeOps(ops))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if diff := cmp.Diff(ops, decoded); diff != "" {
		t.Errorf("ops mismatch (-want +got):\n%s", diff)
	}
}

func TestStateVectorRoundTrip(t *testing.T) {
	sv := StateVector{1: 10, 99: 3, 1 << 60: 7}

	decoded, err := DecodeStateVector(EncodeStateVector(sv))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if diff := cmp.Diff(sv, decoded); diff != "" {
		t.Errorf("state vector mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string][]byte{
		"empty":           {},
		"bad version":     {99},
		"truncated count": {encodingVersion},
		"truncated op":    {encodingVersion, 2, 1, 1},
		"dishonest count": {encodingVersion, 0xff, 0xff, 0xff, 0x07},
	}

	for name, data := range cases {
		if _, err := DecodeOps(data); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}

	if _, err := DecodeOps([]byte{99, 0}); !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("expected ErrUnsupportedVersion, got %v", err)
	}
	if _, err := DecodeStateVector([]byte{encodingVersion, 1, 5}); !errors.Is(err, ErrBadEncoding) {
		t.Errorf("expected ErrBadEncoding, got %v", err)
	}
}
