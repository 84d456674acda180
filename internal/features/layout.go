// Package features reads raw acoustic feature files and prepares them for the
// vocoder: the cepstral masking step, the embedded LPC block, voicing and the
// pitch period used by the frame encoder.
package features

import (
	"errors"
	"fmt"
)

// ErrMalformedInput reports a feature payload that cannot be split into rows.
var ErrMalformedInput = errors.New("malformed feature input")

// Layout names the columns of one raw feature row.
type Layout struct {
	Width        int // raw columns per frame
	Used         int // leading columns fed to the frame encoder
	LPCOrder     int // trailing columns holding the predictor taps
	MaskStart    int // first zeroed column
	MaskEnd      int // one past the last zeroed column
	PitchIndex   int
	VoicingIndex int
}

// DefaultLayout is the 55 column layout: 18 cepstral bands, 18 masked bands,
// pitch, voicing, and 16 LPC coefficients at the end.
func DefaultLayout() Layout {
	return Layout{
		Width:        55,
		Used:         38,
		LPCOrder:     16,
		MaskStart:    18,
		MaskEnd:      36,
		PitchIndex:   36,
		VoicingIndex: 37,
	}
}

func (l Layout) Validate() error {
	switch {
	case l.Width <= 0:
		return fmt.Errorf("feature width must be positive, got %d", l.Width)
	case l.Used <= 0 || l.Used > l.Width:
		return fmt.Errorf("used features %d out of range (width %d)", l.Used, l.Width)
	case l.LPCOrder <= 0 || l.LPCOrder > l.Width:
		return fmt.Errorf("lpc order %d out of range (width %d)", l.LPCOrder, l.Width)
	case l.MaskStart < 0 || l.MaskEnd < l.MaskStart || l.MaskEnd > l.Width:
		return fmt.Errorf("mask range [%d,%d) out of range (width %d)", l.MaskStart, l.MaskEnd, l.Width)
	case l.PitchIndex < 0 || l.PitchIndex >= l.Width:
		return fmt.Errorf("pitch index %d out of range (width %d)", l.PitchIndex, l.Width)
	case l.VoicingIndex < 0 || l.VoicingIndex >= l.Width:
		return fmt.Errorf("voicing index %d out of range (width %d)", l.VoicingIndex, l.Width)
	}
	return nil
}

// LPCStart is the first column of the trailing LPC block.
func (l Layout) LPCStart() int { return l.Width - l.LPCOrder }
