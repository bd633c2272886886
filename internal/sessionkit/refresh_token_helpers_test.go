package sessionkit

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

type failingReader struct{}

func (failingReader) Read(buffer []byte) (int, error) {
	return 0, errors.New("entropy exhausted")
}

func TestGenerateRefreshOpaque(t *testing.T) {
	opaque, hashValue, err := generateRefreshOpaque()
	if err != nil {
		t.Fatalf("generation failed: %v", err)
	}
	if opaque == "" || hashValue == "" {
		t.Fatal("opaque and hash must be non-empty")
	}
	if opaque == hashValue {
		t.Fatal("hash must differ from the opaque value")
	}
	if hashOpaque(opaque) != hashValue {
		t.Fatal("returned hash must match hashOpaque of the opaque value")
	}
	if strings.ContainsAny(opaque, "+/=") {
		t.Fatalf("opaque must be URL-safe base64, got %q", opaque)
	}

	second, _, secondErr := generateRefreshOpaque()
	if secondErr != nil {
		t.Fatalf("second generation failed: %v", secondErr)
	}
	if second == opaque {
		t.Fatal("consecutive opaque values must differ")
	}
}

func TestGenerateRefreshOpaqueDeterministicSource(t *testing.T) {
	original := refreshTokenRandomSource
	defer func() { refreshTokenRandomSource = original }()

	refreshTokenRandomSource = bytes.NewReader(bytes.Repeat([]byte{0x42}, refreshOpaqueByteLength))
	opaque, _, err := generateRefreshOpaque()
	if err != nil {
		t.Fatalf("generation failed: %v", err)
	}
	// 32 bytes of 0x42 in raw URL base64.
	if want := strings.Repeat("QkJC", refreshOpaqueByteLength/3) + "QkI"; opaque != want {
		t.Fatalf("expected deterministic opaque %q, got %q", want, opaque)
	}
}

func TestGenerateRefreshOpaquePropagatesRandomFailure(t *testing.T) {
	original := refreshTokenRandomSource
	defer func() { refreshTokenRandomSource = original }()

	var source io.Reader = failingReader{}
	refreshTokenRandomSource = source

	if _, _, err := generateRefreshOpaque(); err == nil {
		t.Fatal("expected error when the random source fails")
	}
}
