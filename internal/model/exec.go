package model

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

const maxExecLine = 64 << 20

// ErrBackendClosed is returned once the model process is gone.
var ErrBackendClosed = errors.New("model backend closed")

// execModel drives a long-lived model process over JSON lines: one request
// object per line on stdin, one response object per line on stdout. Calls
// are serialized; a call abandoned mid-flight leaves the stream unusable, so
// the process is killed.
type execModel struct {
	spec    Spec
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	scanner *bufio.Scanner

	mu     sync.Mutex
	broken error
	closed bool
}

type execRequest struct {
	Op        string      `json:"op"`
	Features  [][]float32 `json:"features,omitempty"`
	Periods   []int       `json:"periods,omitempty"`
	Symbols   []int       `json:"symbols,omitempty"`
	Embedding []float32   `json:"embedding,omitempty"`
	State1    []float32   `json:"state1,omitempty"`
	State2    []float32   `json:"state2,omitempty"`
}

type execResponse struct {
	Error      string      `json:"error,omitempty"`
	Embeddings [][]float32 `json:"embeddings,omitempty"`
	Probs      []float32   `json:"probs,omitempty"`
	State1     []float32   `json:"state1,omitempty"`
	State2     []float32   `json:"state2,omitempty"`
	Resets     []float64   `json:"resets,omitempty"`
}

// NewExecModel starts command and returns a Model backed by it.
func NewExecModel(command string, spec Spec) (Model, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse model command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("model command empty")
	}

	cmd := exec.Command(args[0], args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start model process: %w", err)
	}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxExecLine)
	return &execModel{spec: spec, cmd: cmd, stdin: stdin, scanner: scanner}, nil
}

func (e *execModel) Spec() Spec { return e.spec }

func (e *execModel) EncodeFrames(ctx context.Context, features [][]float32, periods []int) ([][]float32, error) {
	resp, err := e.call(ctx, execRequest{Op: "encode", Features: features, Periods: periods})
	if err != nil {
		return nil, err
	}
	return resp.Embeddings, nil
}

func (e *execModel) DecodeStep(ctx context.Context, in DecodeInput) (DecodeOutput, error) {
	resp, err := e.call(ctx, execRequest{
		Op:        "decode",
		Symbols:   in.Symbols[:],
		Embedding: in.Embedding,
		State1:    in.State1,
		State2:    in.State2,
	})
	if err != nil {
		return DecodeOutput{}, err
	}
	return DecodeOutput{Probs: resp.Probs, State1: resp.State1, State2: resp.State2}, nil
}

func (e *execModel) ResetProbabilities(ctx context.Context, features [][]float32, periods []int) ([]float64, error) {
	resp, err := e.call(ctx, execRequest{Op: "separate", Features: features, Periods: periods})
	if err != nil {
		return nil, err
	}
	return resp.Resets, nil
}

func (e *execModel) call(ctx context.Context, req execRequest) (execResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.broken != nil {
		return execResponse{}, e.broken
	}
	if err := ctx.Err(); err != nil {
		return execResponse{}, err
	}

	type result struct {
		resp execResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := e.roundTrip(req)
		done <- result{resp, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			e.broken = fmt.Errorf("%w: %v", ErrBackendClosed, r.err)
			return execResponse{}, r.err
		}
		if r.resp.Error != "" {
			return execResponse{}, fmt.Errorf("model %s: %s", req.Op, r.resp.Error)
		}
		return r.resp, nil
	case <-ctx.Done():
		e.broken = fmt.Errorf("%w: %s call abandoned", ErrBackendClosed, req.Op)
		_ = e.cmd.Process.Kill()
		return execResponse{}, ctx.Err()
	}
}

func (e *execModel) roundTrip(req execRequest) (execResponse, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return execResponse{}, err
	}
	data = append(data, '\n')
	if _, err := e.stdin.Write(data); err != nil {
		return execResponse{}, fmt.Errorf("write %s request: %w", req.Op, err)
	}
	for e.scanner.Scan() {
		line := e.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return execResponse{}, fmt.Errorf("decode %s response: %w", req.Op, err)
		}
		return resp, nil
	}
	if err := e.scanner.Err(); err != nil {
		return execResponse{}, fmt.Errorf("read %s response: %w", req.Op, err)
	}
	return execResponse{}, io.ErrUnexpectedEOF
}

// Close ends the process by closing its stdin, killing it if it lingers.
func (e *execModel) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.broken == nil {
		e.broken = ErrBackendClosed
	}

	_ = e.stdin.Close()
	waitErr := make(chan error, 1)
	go func() { waitErr <- e.cmd.Wait() }()
	select {
	case err := <-waitErr:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil
		}
		return err
	case <-time.After(2 * time.Second):
		_ = e.cmd.Process.Kill()
		<-waitErr
		return nil
	}
}
