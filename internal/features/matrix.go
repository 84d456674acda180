package features

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Matrix is a row-major [frames, Width] block of raw features.
type Matrix struct {
	Width int
	Data  []float32
}

// FromFloat32 wraps a flat slice. The length must be a whole number of rows.
func FromFloat32(data []float32, width int) (Matrix, error) {
	if width <= 0 {
		return Matrix{}, fmt.Errorf("%w: width %d", ErrMalformedInput, width)
	}
	if len(data)%width != 0 {
		return Matrix{}, fmt.Errorf("%w: %d values is not a multiple of %d", ErrMalformedInput, len(data), width)
	}
	return Matrix{Width: width, Data: data}, nil
}

// Read decodes little-endian float32 rows until EOF.
func Read(r io.Reader, width int) (Matrix, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Matrix{}, fmt.Errorf("read features: %w", err)
	}
	return Decode(raw, width)
}

// Decode converts a raw little-endian float32 payload.
func Decode(raw []byte, width int) (Matrix, error) {
	if width <= 0 {
		return Matrix{}, fmt.Errorf("%w: width %d", ErrMalformedInput, width)
	}
	if len(raw)%(4*width) != 0 {
		return Matrix{}, fmt.Errorf("%w: %d bytes is not a multiple of %d-float rows", ErrMalformedInput, len(raw), width)
	}
	data := make([]float32, len(raw)/4)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return Matrix{Width: width, Data: data}, nil
}

// Frames returns the number of rows.
func (m Matrix) Frames() int {
	if m.Width == 0 {
		return 0
	}
	return len(m.Data) / m.Width
}

// Row returns a view of frame i.
func (m Matrix) Row(i int) []float32 {
	return m.Data[i*m.Width : (i+1)*m.Width]
}

// Bytes encodes the matrix back into little-endian float32.
func (m Matrix) Bytes() []byte {
	buf := make([]byte, 4*len(m.Data))
	for i, v := range m.Data {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func (m Matrix) WriteTo(w io.Writer) (int64, error) {
	return bytes.NewReader(m.Bytes()).WriteTo(w)
}
