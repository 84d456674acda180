package vocoder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-vocoder/internal/analysis"
	"github.com/loqalabs/loqa-vocoder/internal/features"
	"github.com/loqalabs/loqa-vocoder/internal/ulaw"
)

func plan(t *testing.T, p ResetPlanner, m features.Matrix) []int {
	t.Helper()
	utt, err := features.Prepare(m, features.DefaultLayout())
	require.NoError(t, err)
	mask, err := p.Plan(context.Background(), m, utt)
	require.NoError(t, err)
	require.Len(t, mask, utt.Len())
	return analysis.FromMask(mask)
}

func TestPlannerModes(t *testing.T) {
	m := featureMatrix(50, nil)

	p := DefaultResetPlanner()
	assert.Empty(t, plan(t, p, m))

	p.Mode = ResetPeriodic
	assert.Equal(t, []int{10, 20, 30, 40}, plan(t, p, m))

	// Flat zero cepstra are silent everywhere: one reset once the run of
	// four silent frames completes.
	p.Mode = ResetRule
	assert.Equal(t, []int{20}, plan(t, p, m))

	// Unvoiced frames score 1 with the mock separator.
	p.Mode = ResetNet
	p.Separator = newRecorder(ulaw.Silence)
	assert.Equal(t, []int{22, 45}, plan(t, p, m))
}

func TestPlannerNetNeedsSeparator(t *testing.T) {
	m := featureMatrix(5, nil)
	utt, err := features.Prepare(m, features.DefaultLayout())
	require.NoError(t, err)
	_, err = ResetPlanner{Mode: ResetNet}.Plan(context.Background(), m, utt)
	assert.Error(t, err)
}

func TestSynthesizerUsesPlanner(t *testing.T) {
	p := DefaultResetPlanner()
	p.Mode = ResetPeriodic
	p.Interval = 2
	s := newSynth(t, newRecorder(ulaw.Silence), WithResetPlanner(p))

	var flagged []int
	res, err := s.Synthesize(context.Background(), Request{Features: featureMatrix(5, nil)}, func(b Block) error {
		if b.Reset {
			flagged = append(flagged, b.Frame)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4}, flagged)
	assert.Equal(t, []int{2, 4}, res.Resets)
}

func TestParseModes(t *testing.T) {
	mode, err := ParseResetMode("")
	require.NoError(t, err)
	assert.Equal(t, ResetNone, mode)
	_, err = ParseResetMode("random")
	assert.Error(t, err)

	blend, err := ParseBlend("smooth")
	require.NoError(t, err)
	assert.Equal(t, BlendSmooth, blend)
	blend, err = ParseBlend("shift")
	require.NoError(t, err)
	assert.Equal(t, BlendShift, blend)
	_, err = ParseBlend("cubic")
	assert.Error(t, err)
}
