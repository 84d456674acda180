// Package pcmio reads and writes the vocoder's on-disk formats: headerless
// 16-bit PCM, WAV, per-frame reset masks and separator loss labels. All raw
// formats are little-endian.
package pcmio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/loqalabs/loqa-vocoder/internal/analysis"
)

// ErrInvalidMask reports a mask entry other than 0 or 1.
var ErrInvalidMask = errors.New("invalid reset mask")

// Bytes encodes samples as little-endian int16.
func Bytes(pcm []int16) []byte {
	out := make([]byte, 2*len(pcm))
	for i, v := range pcm {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}

// FromBytes decodes little-endian int16 samples.
func FromBytes(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}
	return out, nil
}

func WritePCM(w io.Writer, pcm []int16) error {
	_, err := w.Write(Bytes(pcm))
	return err
}

func ReadPCM(r io.Reader) ([]int16, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return FromBytes(data)
}

// WriteWAV writes mono 16-bit PCM with a WAV header.
func WriteWAV(w io.WriteSeeker, pcm []int16, sampleRate int) error {
	samples := make([]int, len(pcm))
	for i, v := range pcm {
		samples[i] = int(v)
	}
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(w, sampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// ReadWAV returns the first channel of a 16-bit WAV file and its sample rate.
func ReadWAV(r io.ReadSeeker) ([]int16, int, error) {
	dec := wav.NewDecoder(r)
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		return nil, 0, fmt.Errorf("read wav header: %w", err)
	}
	if dec.BitDepth != 16 {
		return nil, 0, fmt.Errorf("unsupported bit depth %d", dec.BitDepth)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("read wav: %w", err)
	}
	channels := buf.Format.NumChannels
	if channels < 1 {
		channels = 1
	}
	out := make([]int16, len(buf.Data)/channels)
	for i := range out {
		out[i] = int16(buf.Data[i*channels])
	}
	return out, buf.Format.SampleRate, nil
}

// WriteMask writes one int16 flag per frame.
func WriteMask(w io.Writer, mask []bool) error {
	pcm := make([]int16, len(mask))
	for i, v := range mask {
		if v {
			pcm[i] = 1
		}
	}
	return WritePCM(w, pcm)
}

// ReadMask reads a mask written by WriteMask.
func ReadMask(r io.Reader) ([]bool, error) {
	flags, err := ReadPCM(r)
	if err != nil {
		return nil, fmt.Errorf("read mask: %w", err)
	}
	mask := make([]bool, len(flags))
	for i, v := range flags {
		switch v {
		case 0:
		case 1:
			mask[i] = true
		default:
			return nil, fmt.Errorf("%w: frame %d holds %d", ErrInvalidMask, i, v)
		}
	}
	return mask, nil
}

// WriteLabels writes (loss, weight) float32 pairs.
func WriteLabels(w io.Writer, labels []analysis.Label) error {
	buf := make([]byte, 8*len(labels))
	for i, l := range labels {
		binary.LittleEndian.PutUint32(buf[8*i:], math.Float32bits(l.Loss))
		binary.LittleEndian.PutUint32(buf[8*i+4:], math.Float32bits(l.Weight))
	}
	_, err := w.Write(buf)
	return err
}

// ReadLabels reads pairs written by WriteLabels.
func ReadLabels(r io.Reader) ([]analysis.Label, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(data)%8 != 0 {
		return nil, fmt.Errorf("label payload not aligned")
	}
	out := make([]analysis.Label, len(data)/8)
	for i := range out {
		out[i] = analysis.Label{
			Loss:   math.Float32frombits(binary.LittleEndian.Uint32(data[8*i:])),
			Weight: math.Float32frombits(binary.LittleEndian.Uint32(data[8*i+4:])),
		}
	}
	return out, nil
}
