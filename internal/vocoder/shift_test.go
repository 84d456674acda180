package vocoder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ramp(n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16((i*i*37)%2000 - 1000)
	}
	return out
}

func TestBestShiftFindsKnownOffset(t *testing.T) {
	keep := ramp(160)
	fresh := make([]int16, 160)
	for i := range fresh {
		if i < 23 {
			fresh[i] = 3000
			continue
		}
		fresh[i] = keep[i-23]
	}
	assert.Equal(t, 23, BestShift(fresh, keep))
	assert.Equal(t, 0, BestShift(keep, keep))
}

func TestBestShiftShortFrames(t *testing.T) {
	assert.Equal(t, 0, BestShift(ramp(40), ramp(40)))
}

func TestBestShiftStaysInsideFrame(t *testing.T) {
	// With 100 samples only 20 shifts fit a full window.
	keep := ramp(100)
	fresh := make([]int16, 100)
	for i := 20; i < 100; i++ {
		fresh[i] = keep[i-20]
	}
	assert.Equal(t, 20, BestShift(fresh, keep))
}

func TestHeldFrameCrossfade(t *testing.T) {
	keep := make([]int16, 160)
	for i := range keep {
		keep[i] = 1000
	}
	h := &heldFrame{frame: 2, keep: keep, fresh: make([]int16, 160), shift: 10}

	head := h.head()
	require.Len(t, head, 150)
	assert.Equal(t, int16(1000), head[0])
	assert.Equal(t, int16(875), head[80])

	next := make([]int16, 160)
	h.fadeInto(next)
	assert.Equal(t, int16(176), next[0])
	for i := 10; i < 160; i++ {
		require.Zero(t, next[i], "sample %d", i)
	}
}

func TestShiftBlendHoldsResetFrame(t *testing.T) {
	mat := featureMatrix(5, nil)
	resets := []bool{false, false, true, false, false}
	hard, _, err := newSynth(t, newUniform()).SynthesizeAll(context.Background(), Request{Features: mat, Resets: resets})
	require.NoError(t, err)

	var frames []int
	var pcm []int16
	res, err := newSynth(t, newUniform()).Synthesize(context.Background(), Request{Features: mat, Resets: resets, Blend: BlendShift}, func(b Block) error {
		frames = append(frames, b.Frame)
		pcm = append(pcm, b.PCM...)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2, 3, 4}, frames)
	assert.Equal(t, []int{2}, res.Resets)
	assert.Equal(t, 5, res.Frames)
	assert.Equal(t, 5*160-res.Dropped, res.Samples)
	require.Len(t, pcm, res.Samples)

	assert.Equal(t, hard[:320], pcm[:320])
	// The reset stream carries on unchanged after the faded samples.
	assert.Equal(t, hard[480+res.Dropped:], pcm[480:])
}

func TestShiftBlendFlushesTrailingResets(t *testing.T) {
	mat := featureMatrix(5, nil)
	var frames []int
	res, err := newSynth(t, newUniform()).Synthesize(context.Background(), Request{
		Features: mat,
		Resets:   []bool{false, false, false, true, true},
		Blend:    BlendShift,
	}, func(b Block) error {
		frames = append(frames, b.Frame)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, frames)
	assert.Equal(t, []int{3, 4}, res.Resets)
	assert.Equal(t, 5*160-res.Dropped, res.Samples)
}
