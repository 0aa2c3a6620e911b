package compression

import (
	"bytes"
	"io"
	"testing"
)

func roundTrip(t *testing.T, typ Type, input []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc, err := NewEncoder(typ, &buf)
	if err != nil {
		t.Fatalf("NewEncoder(%v) error: %v", typ, err)
	}
	if _, err := enc.Write(input); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	dec, err := NewDecoder(typ, &buf)
	if err != nil {
		t.Fatalf("NewDecoder(%v) error: %v", typ, err)
	}
	out, err := io.ReadAll(dec)
	if err != nil {
		t.Fatalf("ReadAll() error: %v", err)
	}
	return out
}

func TestRoundTripEachCodec(t *testing.T) {
	for _, typ := range []Type{None, LZ4, Zstd} {
		got := roundTrip(t, typ, []byte("hello world"))
		if string(got) != "hello world" {
			t.Errorf("%v round trip = %q, want %q", typ, got, "hello world")
		}
	}
}

func TestRoundTripEmptyInput(t *testing.T) {
	for _, typ := range []Type{None, LZ4, Zstd} {
		got := roundTrip(t, typ, nil)
		if len(got) != 0 {
			t.Errorf("%v round trip of empty input = %d bytes, want 0", typ, len(got))
		}
	}
}

func TestParseType(t *testing.T) {
	if typ, err := ParseType("lz4"); err != nil || typ != LZ4 {
		t.Errorf("ParseType(lz4) = %v, %v", typ, err)
	}
	if typ, err := ParseType("zstd"); err != nil || typ != Zstd {
		t.Errorf("ParseType(zstd) = %v, %v", typ, err)
	}
	if _, err := ParseType("gzip"); err == nil {
		t.Errorf("ParseType(gzip): expected error")
	}
}

func TestAutoDetectReader(t *testing.T) {
	for _, typ := range []Type{LZ4, Zstd} {
		var buf bytes.Buffer
		enc, err := NewEncoder(typ, &buf)
		if err != nil {
			t.Fatalf("NewEncoder(%v) error: %v", typ, err)
		}
		if _, err := enc.Write([]byte("payload")); err != nil {
			t.Fatalf("Write() error: %v", err)
		}
		if err := enc.Close(); err != nil {
			t.Fatalf("Close() error: %v", err)
		}

		r, err := NewAutoDetectReader(&buf)
		if err != nil {
			t.Fatalf("NewAutoDetectReader(%v) error: %v", typ, err)
		}
		got, err := io.ReadAll(r)
		if err != nil {
			t.Fatalf("ReadAll() error: %v", err)
		}
		if string(got) != "payload" {
			t.Errorf("%v autodetect = %q, want %q", typ, got, "payload")
		}
	}
}

func TestAutoDetectReaderNoMagic(t *testing.T) {
	r, err := NewAutoDetectReader(bytes.NewReader([]byte("plain text")))
	if err != nil {
		t.Fatalf("NewAutoDetectReader() error: %v", err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll() error: %v", err)
	}
	if string(got) != "plain text" {
		t.Errorf("passthrough = %q, want %q", got, "plain text")
	}
}
