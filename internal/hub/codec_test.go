package hub

import (
	"bytes"
	"testing"
)

func TestFramePackUnpackRoundTrip(t *testing.T) {
	f := NewFrame(7, NsComm, VerbAuth, "s3cret")

	packed, err := f.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	got, err := ReadFrame(bytes.NewReader(packed))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}

	if got.RequestID != f.RequestID {
		t.Errorf("RequestID = %d, want %d", got.RequestID, f.RequestID)
	}
	if len(got.Comp) != len(f.Comp) {
		t.Fatalf("Comp len = %d, want %d", len(got.Comp), len(f.Comp))
	}
	for i := range f.Comp {
		if got.Comp[i] != f.Comp[i] {
			t.Errorf("Comp[%d] = %q, want %q", i, got.Comp[i], f.Comp[i])
		}
	}

	// Round-trip pack -> unpack -> pack must be byte-identical (invariant 5).
	repacked, err := got.Pack()
	if err != nil {
		t.Fatalf("repack: %v", err)
	}
	if !bytes.Equal(packed, repacked) {
		t.Errorf("repack mismatch:\n  first:  %x\n  second: %x", packed, repacked)
	}
}

func TestFrameDataLenMatchesBody(t *testing.T) {
	f := NewFrame(0, NsVar, VerbValue, "RW", "1.500000")
	packed, err := f.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	dataLen := int(packed[0])<<8 | int(packed[1])
	wantLen := 0
	for _, c := range f.Comp {
		wantLen += len(c) + 1
	}
	if dataLen != wantLen {
		t.Errorf("data-len = %d, want %d", dataLen, wantLen)
	}
}

func TestReadFrameRejectsMismatchedCount(t *testing.T) {
	// Declare count=3 but body only has 2 NUL-terminated strings.
	f := NewFrame(1, NsComm, VerbAuth)
	packed, err := f.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	// Bump the declared count field (bytes 4-5) from 2 to 3.
	packed[5] = 3

	if _, err := ReadFrame(bytes.NewReader(packed)); err == nil {
		t.Error("expected error for mismatched component count")
	}
}

func TestMaxDataLenCeiling(t *testing.T) {
	big := make([]byte, MaxDataLen+1)
	for i := range big {
		big[i] = 'a'
	}
	f := NewFrame(0, string(big))
	if _, err := f.Pack(); err == nil {
		t.Error("expected error for frame exceeding MaxDataLen")
	}
}
