package raft

import (
	"bytes"
	"testing"

	"google.golang.org/grpc/encoding"
)

func TestRawCodec_RoundTrip(t *testing.T) {
	c := RawCodec{}

	payload := []byte("opaque bytes")
	out, err := c.Marshal(&payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Errorf("marshal altered payload: %q", out)
	}

	var got []byte
	if err := c.Unmarshal(out, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("unmarshal = %q, want %q", got, payload)
	}
}

func TestRawCodec_RejectsOtherTypes(t *testing.T) {
	c := RawCodec{}

	if _, err := c.Marshal("not a byte slice pointer"); err == nil {
		t.Error("marshal of a non *[]byte should fail")
	}
	if err := c.Unmarshal([]byte("x"), &struct{}{}); err == nil {
		t.Error("unmarshal into a non *[]byte should fail")
	}
}

// Both the peer transport and the client server force this codec; it must be
// registered under its wire name exactly once for dialing clients to find it.
func TestRawCodec_Registered(t *testing.T) {
	c := encoding.GetCodec(RawCodecName)
	if c == nil {
		t.Fatalf("codec %q not registered", RawCodecName)
	}
	if c.Name() != RawCodecName {
		t.Errorf("registered codec name = %q, want %q", c.Name(), RawCodecName)
	}
}
