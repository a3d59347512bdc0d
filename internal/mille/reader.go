package mille

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrMalformedRecord is returned for records that do not follow the
// zero-marked layout.
var ErrMalformedRecord = errors.New("mille: malformed record")

// maxRecordWords bounds the word pairs of one record. A track with a few
// hundred measurements and full alignment derivatives stays far below it.
const maxRecordWords = 1 << 20

// Measurement is one measurement of a record.
type Measurement struct {
	Value       float64
	Sigma       float64
	LocalIndex  []int
	LocalDer    []float64
	GlobalLabel []int
	GlobalDer   []float64
}

// Record holds the measurements of one track.
type Record struct {
	Measurements []Measurement
}

// Reader reads records written by Writer.
type Reader struct {
	r io.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Next returns the next record, or io.EOF at the end of the input.
func (rd *Reader) Next() (*Record, error) {
	var length int32
	if err := binary.Read(rd.r, binary.LittleEndian, &length); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read record length: %w", err)
	}
	doubles := length < 0
	if doubles {
		length = -length
	}
	if length <= 0 || length%2 != 0 {
		return nil, fmt.Errorf("length word %d: %w", length, ErrMalformedRecord)
	}
	n := int(length / 2)
	if n > maxRecordWords {
		return nil, fmt.Errorf("length word %d exceeds %d words: %w", length, maxRecordWords, ErrMalformedRecord)
	}

	floats := make([]float64, n)
	if doubles {
		if err := binary.Read(rd.r, binary.LittleEndian, floats); err != nil {
			return nil, fmt.Errorf("failed to read values: %w", err)
		}
	} else {
		f32 := make([]float32, n)
		if err := binary.Read(rd.r, binary.LittleEndian, f32); err != nil {
			return nil, fmt.Errorf("failed to read values: %w", err)
		}
		for i, v := range f32 {
			floats[i] = float64(v)
		}
	}
	ints := make([]int32, n)
	if err := binary.Read(rd.r, binary.LittleEndian, ints); err != nil {
		return nil, fmt.Errorf("failed to read indices: %w", err)
	}
	return parseRecord(floats, ints)
}

func parseRecord(floats []float64, ints []int32) (*Record, error) {
	n := len(ints)
	if ints[0] != 0 {
		return nil, fmt.Errorf("first word %d: %w", ints[0], ErrMalformedRecord)
	}
	rec := &Record{}
	i := 1
	for i < n {
		if ints[i] != 0 {
			return nil, fmt.Errorf("word %d: expected value marker: %w", i, ErrMalformedRecord)
		}
		m := Measurement{Value: floats[i]}
		i++
		for i < n && ints[i] != 0 {
			m.LocalIndex = append(m.LocalIndex, int(ints[i]))
			m.LocalDer = append(m.LocalDer, floats[i])
			i++
		}
		if i >= n {
			return nil, fmt.Errorf("missing error word: %w", ErrMalformedRecord)
		}
		m.Sigma = floats[i]
		i++
		for i < n && ints[i] != 0 {
			m.GlobalLabel = append(m.GlobalLabel, int(ints[i]))
			m.GlobalDer = append(m.GlobalDer, floats[i])
			i++
		}
		rec.Measurements = append(rec.Measurements, m)
	}
	return rec, nil
}

// ReadAll reads every record from r.
func ReadAll(r io.Reader) ([]*Record, error) {
	rd := NewReader(r)
	var out []*Record
	for {
		rec, err := rd.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}
