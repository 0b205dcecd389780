// Package tfrecord reads and writes TFRecord files of tf.Example messages.
//
// A record is framed as
//
//	uint64 length
//	uint32 masked crc32c(length)
//	byte   data[length]
//	uint32 masked crc32c(data)
//
// with all integers little endian.
package tfrecord

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"iter"
)

var ErrCorrupt = errors.New("tfrecord: corrupt record")

// MaxRecordSize bounds the length field accepted by Reader.
const MaxRecordSize = 1 << 30

const crcMaskDelta = 0xa282ead8

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func maskedCRC(b []byte) uint32 {
	crc := crc32.Checksum(b, castagnoli)
	return ((crc >> 15) | (crc << 17)) + crcMaskDelta
}

type Writer struct {
	w io.Writer
	n int
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write appends one framed record.
func (w *Writer) Write(data []byte) error {
	var header [12]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(len(data)))
	binary.LittleEndian.PutUint32(header[8:], maskedCRC(header[:8]))

	var footer [4]byte
	binary.LittleEndian.PutUint32(footer[:], maskedCRC(data))

	for _, b := range [][]byte{header[:], data, footer[:]} {
		if _, err := w.w.Write(b); err != nil {
			return err
		}
	}

	w.n++
	return nil
}

// Count returns the number of records written.
func (w *Writer) Count() int {
	return w.n
}

type Reader struct {
	r *bufio.Reader
	n int
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next record. It returns io.EOF at a clean end of input
// and ErrCorrupt for truncated or damaged records.
func (r *Reader) Next() ([]byte, error) {
	var header [12]byte
	if _, err := io.ReadFull(r.r, header[:]); errors.Is(err, io.EOF) {
		return nil, io.EOF
	} else if err != nil {
		return nil, fmt.Errorf("%w: record %d: header: %w", ErrCorrupt, r.n, err)
	}

	if got, want := binary.LittleEndian.Uint32(header[8:]), maskedCRC(header[:8]); got != want {
		return nil, fmt.Errorf("%w: record %d: length checksum %#x, want %#x", ErrCorrupt, r.n, got, want)
	}

	length := binary.LittleEndian.Uint64(header[:8])
	if length > MaxRecordSize {
		return nil, fmt.Errorf("%w: record %d: length %d exceeds %d", ErrCorrupt, r.n, length, MaxRecordSize)
	}

	data := make([]byte, length+4)
	if _, err := io.ReadFull(r.r, data); err != nil {
		return nil, fmt.Errorf("%w: record %d: %w", ErrCorrupt, r.n, io.ErrUnexpectedEOF)
	}

	data, footer := data[:length], data[length:]
	if got, want := binary.LittleEndian.Uint32(footer), maskedCRC(data); got != want {
		return nil, fmt.Errorf("%w: record %d: data checksum %#x, want %#x", ErrCorrupt, r.n, got, want)
	}

	r.n++
	return data, nil
}

// All iterates over the remaining records, stopping after the first error.
func (r *Reader) All() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			data, err := r.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(data, err) || err != nil {
				return
			}
		}
	}
}
