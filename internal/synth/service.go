// Package synth serves vocoder requests from the message bus.
package synth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-vocoder/internal/bus"
	"github.com/loqalabs/loqa-vocoder/internal/config"
	"github.com/loqalabs/loqa-vocoder/internal/features"
	"github.com/loqalabs/loqa-vocoder/internal/jobstore"
	"github.com/loqalabs/loqa-vocoder/internal/pcmio"
	"github.com/loqalabs/loqa-vocoder/internal/protocol"
	"github.com/loqalabs/loqa-vocoder/internal/vocoder"
)

const instrumentation = "github.com/loqalabs/loqa-vocoder/synth"

// ErrClosed is reported for requests that arrive while the service shuts down.
var ErrClosed = errors.New("vocoder service closed")

// Synthesizer is the part of vocoder.Synthesizer the service drives.
type Synthesizer interface {
	Synthesize(ctx context.Context, req vocoder.Request, emit func(vocoder.Block) error) (vocoder.Result, error)
}

// JobRecorder keeps the utterance history. *jobstore.Store satisfies it.
type JobRecorder interface {
	StartJob(ctx context.Context, job jobstore.Job) error
	FinishJob(ctx context.Context, id string, samples int, jobErr error) error
	AppendEvent(ctx context.Context, evt jobstore.Event) error
}

type Service struct {
	cfg        config.ServiceConfig
	sampleRate int
	width      int
	seed       uint64
	resetMode  string
	bus        *bus.Client
	synth      Synthesizer
	jobs       JobRecorder
	sem        chan struct{}
	sub        *nats.Subscription
	ctx        context.Context
	cancel     context.CancelFunc
	mu         sync.Mutex
	closed     bool
	wg         sync.WaitGroup
	logger     *slog.Logger
	tracer     trace.Tracer
	inflight   atomic.Int64

	utterances metric.Int64Counter
	failures   metric.Int64Counter
	samples    metric.Int64Counter
	latency    metric.Float64Histogram
}

func NewService(parent context.Context, cfg config.ServiceConfig, voc config.VocoderConfig, resetMode string, busClient *bus.Client, synth Synthesizer, jobs JobRecorder, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	workers := cfg.MaxConcurrency
	if workers <= 0 {
		workers = 1
	}
	s := &Service{
		cfg:        cfg,
		sampleRate: voc.SampleRate,
		width:      voc.NbFeatures,
		seed:       voc.Seed,
		resetMode:  resetMode,
		bus:        busClient,
		synth:      synth,
		jobs:       jobs,
		sem:        make(chan struct{}, workers),
		ctx:        ctx,
		cancel:     cancel,
		logger:     log.With(slog.String("component", "synth-service")),
		tracer:     otel.Tracer(instrumentation),
	}
	if err := s.initMetrics(otel.Meter(instrumentation)); err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
		_ = s.initMetrics(noop.NewMeterProvider().Meter(instrumentation))
	}
	return s
}

func (s *Service) initMetrics(meter metric.Meter) error {
	var err error
	if s.utterances, err = meter.Int64Counter("vocoder.utterances", metric.WithDescription("Utterances handled")); err != nil {
		return err
	}
	if s.failures, err = meter.Int64Counter("vocoder.utterances.failed", metric.WithDescription("Utterances that ended in an error")); err != nil {
		return err
	}
	if s.samples, err = meter.Int64Counter("vocoder.samples", metric.WithDescription("PCM samples synthesized")); err != nil {
		return err
	}
	if s.latency, err = meter.Float64Histogram("vocoder.utterance.duration", metric.WithDescription("Wall time per utterance"), metric.WithUnit("s")); err != nil {
		return err
	}
	inflight, err := meter.Int64ObservableGauge("vocoder.utterances.inflight", metric.WithDescription("Utterances being synthesized"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(inflight, s.inflight.Load())
		return nil
	}, inflight)
	return err
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectSynthRequest, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

// Close stops accepting requests, cancels running utterances and waits for
// them to publish their status.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || s.sub != nil }

// InFlight is the number of utterances currently being synthesized.
func (s *Service) InFlight() int64 { return s.inflight.Load() }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.SynthRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode vocoder request", slogError(err))
		return
	}
	if req.UtteranceID == "" {
		req.UtteranceID = uuid.NewString()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.publishStatus(req, vocoder.Result{}, ErrClosed)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		select {
		case s.sem <- struct{}{}:
		case <-s.ctx.Done():
			s.publishStatus(req, vocoder.Result{}, s.ctx.Err())
			return
		}
		defer func() { <-s.sem }()
		s.run(req)
	}()
}

func (s *Service) run(req protocol.SynthRequest) {
	s.inflight.Add(1)
	defer s.inflight.Add(-1)

	ctx := s.ctx
	if s.cfg.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	logger := s.logger.With(slog.String("utterance_id", req.UtteranceID))

	width := req.Width
	if width == 0 {
		width = s.width
	}
	frames := 0
	if width > 0 {
		frames = len(req.Features) / width
	}
	seed := s.seed
	if req.Seed != nil {
		seed = *req.Seed
	}
	mode := req.ResetMode
	if mode == "" {
		mode = s.resetMode
	}

	ctx, span := s.tracer.Start(ctx, "vocoder.synthesize", trace.WithAttributes(
		attribute.String("utterance_id", req.UtteranceID),
		attribute.Int("frames", frames),
		attribute.String("reset_mode", mode),
	))
	defer span.End()

	start := time.Now()
	s.recordStart(ctx, logger, jobstore.Job{ID: req.UtteranceID, Target: req.Target, Frames: frames, Seed: seed, ResetMode: mode})

	res, err := s.synthesize(ctx, req, width)

	outcome := "completed"
	if err != nil {
		outcome = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.failures.Add(ctx, 1)
		logger.Warn("vocoder synthesis failed", slogError(err))
	}
	s.utterances.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	s.samples.Add(ctx, int64(res.Samples))
	s.latency.Record(ctx, time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("samples", res.Samples), attribute.Int("resets", len(res.Resets)))

	if s.jobs != nil {
		// Recorded even when ctx was cancelled.
		if ferr := s.jobs.FinishJob(context.WithoutCancel(ctx), req.UtteranceID, res.Samples, err); ferr != nil {
			logger.Warn("failed to record job result", slogError(ferr))
		}
	}
	s.publishStatus(req, res, err)
}

func (s *Service) recordStart(ctx context.Context, logger *slog.Logger, job jobstore.Job) {
	if s.jobs == nil {
		return
	}
	if err := s.jobs.StartJob(ctx, job); err != nil {
		logger.Warn("failed to record job start", slogError(err))
	}
}

func (s *Service) synthesize(ctx context.Context, req protocol.SynthRequest, width int) (vocoder.Result, error) {
	if width != s.width {
		return vocoder.Result{}, fmt.Errorf("%w: feature width %d, want %d", vocoder.ErrMalformedInput, width, s.width)
	}
	m, err := features.FromFloat32(req.Features, width)
	if err != nil {
		return vocoder.Result{}, err
	}
	vreq := vocoder.Request{
		Features: m,
		Resets:   req.ResetMask,
		Blend:    vocoder.Blend(req.Blend),
		Seed:     req.Seed,
	}
	if req.ResetMode != "" {
		if vreq.Mode, err = vocoder.ParseResetMode(req.ResetMode); err != nil {
			return vocoder.Result{}, err
		}
	}

	chunk := newChunker(s.cfg.ChunkFrames, m.Frames())
	return s.synth.Synthesize(ctx, vreq, func(b vocoder.Block) error {
		if b.Reset {
			s.recordReset(ctx, req.UtteranceID, b.Frame)
		}
		pcm, first, n, final, ready := chunk.add(b)
		if !ready {
			return nil
		}
		packet := protocol.AudioChunk{
			UtteranceID: req.UtteranceID,
			Target:      req.Target,
			Sequence:    chunk.sequence - 1,
			SampleRate:  s.sampleRate,
			Channels:    1,
			PCM:         pcmio.Bytes(pcm),
			FirstFrame:  first,
			Frames:      n,
			Final:       final,
		}
		if err := s.bus.PublishJSON(protocol.SubjectAudioChunk, packet); err != nil {
			return fmt.Errorf("publish audio chunk %d: %w", packet.Sequence, err)
		}
		return nil
	})
}

func (s *Service) recordReset(ctx context.Context, id string, frame int) {
	if s.jobs == nil {
		return
	}
	payload, _ := json.Marshal(map[string]int{"frame": frame})
	if err := s.jobs.AppendEvent(ctx, jobstore.Event{JobID: id, Type: "reset", Payload: payload}); err != nil {
		s.logger.Debug("failed to record reset event", slogError(err))
	}
}

func (s *Service) publishStatus(req protocol.SynthRequest, res vocoder.Result, err error) {
	status := protocol.SynthStatus{
		UtteranceID: req.UtteranceID,
		Target:      req.Target,
		Completed:   err == nil,
		Frames:      res.Frames,
		Samples:     res.Samples,
		Resets:      res.Resets,
		Timestamp:   time.Now().UTC(),
	}
	if err != nil {
		status.Error = err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			status.Error = "timed out: " + status.Error
		}
	}
	if perr := s.bus.PublishJSON(protocol.SubjectSynthDone, status); perr != nil {
		s.logger.Warn("failed to publish vocoder status", slogError(perr))
	}
}

// chunker groups frames into audio chunks of a fixed frame count. The last
// frame of the utterance always closes a chunk.
type chunker struct {
	size     int
	total    int
	seen     int
	sequence int
	first    int
	frames   int
	pcm      []int16
}

func newChunker(size, total int) *chunker {
	if size <= 0 {
		size = 1
	}
	return &chunker{size: size, total: total}
}

func (c *chunker) add(b vocoder.Block) (pcm []int16, first, frames int, final, ready bool) {
	if c.frames == 0 {
		c.first = b.Frame
	}
	c.pcm = append(c.pcm, b.PCM...)
	c.frames++
	c.seen++
	final = c.seen == c.total
	if c.frames < c.size && !final {
		return nil, 0, 0, false, false
	}
	pcm, first, frames = c.pcm, c.first, c.frames
	c.pcm, c.frames = nil, 0
	c.sequence++
	return pcm, first, frames, final, true
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
