package cos_test

import (
	"testing"

	"github.com/sirikata/spaced/cmn/cos"
)

func TestOIDRoundTrip(t *testing.T) {
	want := cos.MustParseOID("0102030405060708090a0b0c0d0e0f10")
	got, err := cos.ParseOID(want.Hex())
	if err != nil {
		t.Fatalf("ParseOID: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %s want %s", got, want)
	}
}

func TestOIDBadInput(t *testing.T) {
	cases := []string{"", "zz", "0102030405060708090a0b0c0d0e0f1g", "01"}
	for _, c := range cases {
		if _, err := cos.ParseOID(c); err == nil {
			t.Fatalf("expected error for input %q", c)
		}
	}
}

func TestOIDDigestDeterministic(t *testing.T) {
	a := cos.MustParseOID("0102030405060708090a0b0c0d0e0f10")
	b := cos.MustParseOID("0102030405060708090a0b0c0d0e0f10")
	if a.Digest() != b.Digest() {
		t.Fatal("digest must be deterministic for equal OIDs")
	}
	c := cos.MustParseOID("1102030405060708090a0b0c0d0e0f10")
	if a.Digest() == c.Digest() {
		t.Fatal("digest collided for distinct OIDs (extremely unlikely, check Digest())")
	}
}

func TestZeroOID(t *testing.T) {
	var z cos.OID
	if !z.IsZero() {
		t.Fatal("zero value must report IsZero")
	}
}
