package vocoder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-vocoder/internal/ulaw"
)

func TestCachedEncoder(t *testing.T) {
	m := newRecorder(ulaw.Silence)
	enc, err := NewCachedEncoder(m, 2)
	require.NoError(t, err)
	ctx := context.Background()

	a := [][]float32{{1, 2}, {3, 4}}
	b := [][]float32{{1, 2}, {3, 5}}

	first, err := enc.EncodeFrames(ctx, a, []int{100, 100})
	require.NoError(t, err)
	again, err := enc.EncodeFrames(ctx, a, []int{100, 100})
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.EqualValues(t, 1, m.Encodes())

	_, err = enc.EncodeFrames(ctx, b, []int{100, 100})
	require.NoError(t, err)
	_, err = enc.EncodeFrames(ctx, a, []int{100, 101})
	require.NoError(t, err)

	assert.EqualValues(t, 3, m.Encodes())
	assert.EqualValues(t, 1, enc.Hits())
	assert.EqualValues(t, 3, enc.Misses())
	assert.Equal(t, 2, enc.Len())
}

func TestCachedEncoderRejectsBadSize(t *testing.T) {
	_, err := NewCachedEncoder(newRecorder(ulaw.Silence), 0)
	assert.Error(t, err)
}

func TestSynthesizerWithCachedEncoder(t *testing.T) {
	m := newRecorder(ulaw.Silence)
	enc, err := NewCachedEncoder(m, 4)
	require.NoError(t, err)
	s := newSynth(t, m, WithEncoder(enc))

	req := Request{Features: featureMatrix(2, nil)}
	for i := 0; i < 3; i++ {
		_, _, err := s.SynthesizeAll(context.Background(), req)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, m.Encodes())
	assert.EqualValues(t, 2, enc.Hits())
}
