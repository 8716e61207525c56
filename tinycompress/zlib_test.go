package tinycompress

import (
	"bytes"
	"compress/zlib"
	"io"
	"testing"
)

func inflate(t *testing.T, data []byte) []byte {
	t.Helper()
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("zlib.NewReader: %v", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("inflate: %v", err)
	}
	return out
}

func TestCompressReadableByZlib(t *testing.T) {
	testCases := [][]byte{
		{},
		[]byte(`{"version":"mcpcan-bridge"}`),
		bytes.Repeat([]byte("spi_transfer oid=%c data=%*s;"), 3000), // spans two stored blocks
	}

	for _, input := range testCases {
		got := inflate(t, Compress(input))
		if !bytes.Equal(got, input) {
			t.Errorf("round trip of %d bytes returned %d bytes", len(input), len(got))
		}
	}
}

func TestWriterChunkedWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.Write([]byte("hello "))
	w.Write([]byte("world"))
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := inflate(t, buf.Bytes()); string(got) != "hello world" {
		t.Errorf("got %q", got)
	}

	if _, err := w.Write([]byte("x")); err == nil {
		t.Error("Write after Close succeeded")
	}
}

func TestCompressMatchesWriter(t *testing.T) {
	input := bytes.Repeat([]byte("identify offset=%u count=%c;"), 2500)

	var buf bytes.Buffer
	w := NewWriter(&buf)
	if _, err := w.Write(input[:100]); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := w.Write(input[100:]); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if !bytes.Equal(Compress(input), buf.Bytes()) {
		t.Error("Compress and Writer produced different streams")
	}
}
