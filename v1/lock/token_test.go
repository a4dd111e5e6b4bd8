package lock

import (
	"encoding/hex"
	"testing"

	"github.com/google/uuid"
)

func TestRandomTokens(t *testing.T) {
	src := RandomTokens(4)
	a, err := src()
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	raw, err := hex.DecodeString(a)
	if err != nil {
		t.Fatalf("token is not hex: %v", err)
	}
	if len(raw) != DefaultTokenBytes {
		t.Fatalf("expected %d bytes, got %d", DefaultTokenBytes, len(raw))
	}
	b, _ := src()
	if a == b {
		t.Fatal("consecutive tokens collided")
	}
}

func TestUUIDTokens(t *testing.T) {
	tok, err := UUIDTokens()()
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	id, err := uuid.Parse(tok)
	if err != nil {
		t.Fatalf("not a uuid: %v", err)
	}
	if id.Version() != 4 {
		t.Fatalf("expected version 4, got %d", id.Version())
	}
}
