package sst

import (
	"bytes"
	"testing"
)

// White-box: maybeCompress/decompress round-trip a payload large and
// repetitive enough to be worth compressing (spec.md:94).
func TestCompressRoundTripsLargePayload(t *testing.T) {
	payload := bytes.Repeat([]byte("sirikata-sst-payload-"), 40) // > compressThreshold, highly compressible
	if len(payload) < compressThreshold {
		t.Fatalf("test payload too small: %d < %d", len(payload), compressThreshold)
	}

	out, ok := maybeCompress(payload)
	if !ok {
		t.Fatal("expected a repetitive payload above threshold to compress")
	}
	if len(out) >= len(payload) {
		t.Fatalf("compressed size %d not smaller than original %d", len(out), len(payload))
	}

	got, err := decompress(out)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(payload))
	}
}

// White-box: a payload under compressThreshold is left alone regardless
// of content.
func TestSmallPayloadIsNotCompressed(t *testing.T) {
	small := []byte("short")
	if out, ok := maybeCompress(small); ok || len(out) != len(small) {
		t.Fatalf("expected a small payload to pass through unchanged, got ok=%v len=%d", ok, len(out))
	}
}

// Full segment encode/decode round trip with a large payload exercises
// the FlagCompressed path end to end, not just the helper functions.
func TestSegmentEncodeDecodeCompressesLargePayload(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 4*compressThreshold)
	seg := &segment{ChannelID: 1, ConnID: 2, LSID: 3, Seq: 10, Ack: 5, Window: 1000, Flags: FlagData, Payload: payload}

	wire := seg.encode()
	if len(wire) >= segmentHeaderLen+len(payload) {
		t.Fatalf("encoded wire size %d not smaller than uncompressed %d", len(wire), segmentHeaderLen+len(payload))
	}

	got, err := decodeSegment(wire)
	if err != nil {
		t.Fatalf("decodeSegment: %v", err)
	}
	if got.Flags.Has(FlagCompressed) {
		t.Fatal("FlagCompressed must be cleared after decode")
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Fatalf("decoded payload mismatch: got %d bytes, want %d", len(got.Payload), len(payload))
	}
	if got.Seq != 10 || got.Ack != 5 || got.Window != 1000 {
		t.Fatalf("header fields not preserved: %+v", got)
	}
}
