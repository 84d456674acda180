package vocoder

import (
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-vocoder/internal/features"
)

// ErrMalformedInput is returned before any model call when the request
// cannot describe an utterance.
var ErrMalformedInput = features.ErrMalformedInput

// ErrShape marks a model output with the wrong dimensions.
var ErrShape = errors.New("unexpected model output shape")

// ModelError wraps a failure of the encoder, decoder or separator. Frame and
// Step locate it; Step is -1 outside the sample loop. The utterance cannot
// continue after one.
type ModelError struct {
	Stage string
	Frame int
	Step  int
	Err   error
}

func (e *ModelError) Error() string {
	if e.Step < 0 {
		return fmt.Sprintf("model %s failed at frame %d: %v", e.Stage, e.Frame, e.Err)
	}
	return fmt.Sprintf("model %s failed at frame %d, sample %d: %v", e.Stage, e.Frame, e.Step, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

func shapeError(stage string, frame, step int, format string, args ...any) error {
	return &ModelError{
		Stage: stage,
		Frame: frame,
		Step:  step,
		Err:   fmt.Errorf("%w: "+format, append([]any{ErrShape}, args...)...),
	}
}
