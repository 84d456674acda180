package pcmio

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-vocoder/internal/analysis"
)

func TestPCMRoundTrip(t *testing.T) {
	pcm := []int16{0, 1, -1, 32767, -32768, 1234}
	var buf bytes.Buffer
	require.NoError(t, WritePCM(&buf, pcm))
	assert.Equal(t, []byte{0, 0, 1, 0, 0xff, 0xff}, buf.Bytes()[:6])

	got, err := ReadPCM(&buf)
	require.NoError(t, err)
	assert.Equal(t, pcm, got)
}

func TestFromBytesRejectsOddLength(t *testing.T) {
	_, err := FromBytes([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestWAVRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	f, err := os.Create(path)
	require.NoError(t, err)
	pcm := []int16{0, 100, -100, 32000, -32000}
	require.NoError(t, WriteWAV(f, pcm, 16000))
	require.NoError(t, f.Close())

	f, err = os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	got, rate, err := ReadWAV(f)
	require.NoError(t, err)
	assert.Equal(t, 16000, rate)
	assert.Equal(t, pcm, got)
}

func TestReadWAVRejectsRawPCM(t *testing.T) {
	_, _, err := ReadWAV(bytes.NewReader(Bytes([]int16{1, 2, 3, 4})))
	assert.Error(t, err)
}

func TestMaskRoundTrip(t *testing.T) {
	mask := []bool{false, true, false, false, true}
	var buf bytes.Buffer
	require.NoError(t, WriteMask(&buf, mask))
	assert.Equal(t, 10, buf.Len())
	got, err := ReadMask(&buf)
	require.NoError(t, err)
	assert.Equal(t, mask, got)
}

func TestReadMaskRejectsOtherValues(t *testing.T) {
	_, err := ReadMask(bytes.NewReader(Bytes([]int16{0, 1, 2})))
	assert.True(t, errors.Is(err, ErrInvalidMask))
}

func TestLabelsRoundTrip(t *testing.T) {
	labels := []analysis.Label{{Loss: 12.5, Weight: 1}, {}}
	var buf bytes.Buffer
	require.NoError(t, WriteLabels(&buf, labels))
	assert.Equal(t, 16, buf.Len())
	got, err := ReadLabels(&buf)
	require.NoError(t, err)
	assert.Equal(t, labels, got)

	_, err = ReadLabels(bytes.NewReader([]byte{1, 2, 3}))
	assert.Error(t, err)
}
