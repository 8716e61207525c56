// Package tinycompress writes zlib streams made of stored (uncompressed)
// DEFLATE blocks. It needs no compression tables, so it is cheap enough for
// firmware builds, and any zlib reader accepts the output.
package tinycompress

import (
	"errors"
	"hash"
	"hash/adler32"
	"io"
)

// maxStoredBlock is the largest payload of a single stored DEFLATE block.
const maxStoredBlock = 0xFFFF

var errClosed = errors.New("tinycompress: write after close")

// Writer buffers everything written to it and emits the zlib stream on Close.
type Writer struct {
	output io.Writer
	buf    []byte
	adler  hash.Hash32
	closed bool
}

// NewWriter returns a Writer that writes the zlib stream to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		output: w,
		buf:    make([]byte, 0, 1024),
		adler:  adler32.New(),
	}
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errClosed
	}
	w.buf = append(w.buf, p...)
	w.adler.Write(p)
	return len(p), nil
}

// Close writes the header, the stored blocks and the Adler-32 trailer.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	_, err := w.output.Write(encode(w.buf, w.adler.Sum32()))
	return err
}

// Compress returns the zlib stream for data.
func Compress(data []byte) []byte {
	return encode(data, adler32.Checksum(data))
}

// encode frames data as a zlib stream of stored blocks.
func encode(data []byte, sum uint32) []byte {
	out := make([]byte, 0, len(data)+len(data)/maxStoredBlock*5+11)
	out = append(out, 0x78, 0x01)

	for {
		n := len(data)
		final := byte(1)
		if n > maxStoredBlock {
			n = maxStoredBlock
			final = 0
		}
		length := uint16(n)
		nlength := ^length
		out = append(out, final,
			byte(length), byte(length>>8),
			byte(nlength), byte(nlength>>8))
		out = append(out, data[:n]...)
		data = data[n:]
		if final == 1 {
			break
		}
	}

	return append(out, byte(sum>>24), byte(sum>>16), byte(sum>>8), byte(sum))
}
