// Package mille writes and reads Millepede-II binary records.
//
// A record is the little-endian sequence
//
//	int32 n2              2·n words, negative for double precision
//	n float32 (float64)   values
//	n int32               indices/labels
//
// The first word pair is (0, 0). Each measurement then contributes
// (0, value), its local (index, derivative) pairs, (0, error) and its
// global (label, derivative) pairs.
package mille

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// Writer buffers measurements of one track and writes them as a record.
type Writer struct {
	w       io.Writer
	doubles bool

	mu      sync.Mutex
	floats  []float64
	ints    []int32
	records int
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithDoublePrecision writes values as float64 with a negative length
// word.
func WithDoublePrecision() WriterOption {
	return func(m *Writer) { m.doubles = true }
}

// NewWriter returns a Writer on w.
func NewWriter(w io.Writer, opts ...WriterOption) *Writer {
	m := &Writer{w: w}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddData appends one measurement with its local and global derivatives to
// the current record. Global derivatives equal to zero are dropped.
func (m *Writer) AddData(value, sigma float64, localIndex []int, localDer []float64,
	globalLabels []int, globalDer []float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.ints) == 0 {
		m.push(0, 0)
	}
	m.push(0, value)
	for i, idx := range localIndex {
		m.push(int32(idx), localDer[i])
	}
	m.push(0, sigma)
	for i, label := range globalLabels {
		if globalDer[i] != 0 {
			m.push(int32(label), globalDer[i])
		}
	}
}

func (m *Writer) push(i int32, v float64) {
	m.ints = append(m.ints, i)
	m.floats = append(m.floats, v)
}

// WriteRecord writes the buffered measurements as one record and resets
// the buffer. An empty buffer writes nothing.
func (m *Writer) WriteRecord() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.ints)
	if n == 0 {
		return nil
	}
	var buf bytes.Buffer
	length := int32(2 * n)
	if m.doubles {
		length = -length
	}
	if err := binary.Write(&buf, binary.LittleEndian, length); err != nil {
		return err
	}
	if m.doubles {
		if err := binary.Write(&buf, binary.LittleEndian, m.floats); err != nil {
			return err
		}
	} else {
		f32 := make([]float32, n)
		for i, v := range m.floats {
			f32[i] = float32(v)
		}
		if err := binary.Write(&buf, binary.LittleEndian, f32); err != nil {
			return err
		}
	}
	if err := binary.Write(&buf, binary.LittleEndian, m.ints); err != nil {
		return err
	}
	if _, err := m.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write mille record: %w", err)
	}
	m.floats = m.floats[:0]
	m.ints = m.ints[:0]
	m.records++
	return nil
}

// Records returns the number of records written.
func (m *Writer) Records() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records
}
