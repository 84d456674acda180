package synth

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-vocoder/internal/bus"
	"github.com/loqalabs/loqa-vocoder/internal/config"
	"github.com/loqalabs/loqa-vocoder/internal/jobstore"
	"github.com/loqalabs/loqa-vocoder/internal/model"
	"github.com/loqalabs/loqa-vocoder/internal/natsserver"
	"github.com/loqalabs/loqa-vocoder/internal/protocol"
	"github.com/loqalabs/loqa-vocoder/internal/vocoder"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type memoryJobs struct {
	mu     sync.Mutex
	jobs   map[string]jobstore.Job
	events []jobstore.Event
}

func newMemoryJobs() *memoryJobs {
	return &memoryJobs{jobs: make(map[string]jobstore.Job)}
}

func (m *memoryJobs) StartJob(_ context.Context, job jobstore.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job.Status = jobstore.StatusRunning
	m.jobs[job.ID] = job
	return nil
}

func (m *memoryJobs) FinishJob(_ context.Context, id string, samples int, jobErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[id]
	job.Samples = samples
	job.Status = jobstore.StatusCompleted
	if jobErr != nil {
		job.Status = jobstore.StatusFailed
		job.Error = jobErr.Error()
	}
	m.jobs[id] = job
	return nil
}

func (m *memoryJobs) AppendEvent(_ context.Context, evt jobstore.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

func (m *memoryJobs) job(id string) jobstore.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[id]
}

type harness struct {
	svc    *Service
	client *bus.Client
	jobs   *memoryJobs
	audio  chan *nats.Msg
	done   chan *nats.Msg
}

func startService(t *testing.T, svcCfg config.ServiceConfig) *harness {
	t.Helper()
	busCfg := config.BusConfig{
		Embedded:       true,
		Host:           "127.0.0.1",
		Port:           -1,
		StoreDir:       filepath.Join(t.TempDir(), "nats"),
		ConnectTimeout: 2000,
	}
	srv, err := natsserver.Start(busCfg, newLogger())
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	busCfg.Servers = []string{srv.ClientURL()}

	client, err := bus.Connect(context.Background(), "synth-test", busCfg, newLogger())
	require.NoError(t, err)
	t.Cleanup(client.Close)

	spec := model.DefaultSpec()
	spec.EmbedSize = 8
	spec.RNNUnits1 = 4
	spec.RNNUnits2 = 2
	synthesizer, err := vocoder.New(vocoder.DefaultConfig(), model.NewMock(spec, model.DefaultMockOptions()), newLogger())
	require.NoError(t, err)

	h := &harness{
		client: client,
		jobs:   newMemoryJobs(),
		audio:  make(chan *nats.Msg, 64),
		done:   make(chan *nats.Msg, 8),
	}
	audioSub, err := client.Conn().ChanSubscribe(protocol.SubjectAudioChunk, h.audio)
	require.NoError(t, err)
	doneSub, err := client.Conn().ChanSubscribe(protocol.SubjectSynthDone, h.done)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = audioSub.Unsubscribe()
		_ = doneSub.Unsubscribe()
	})

	voc := config.Default().Vocoder
	svc := NewService(context.Background(), svcCfg, voc, "none", client, synthesizer, h.jobs, newLogger())
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Close)
	require.True(t, svc.Healthy())
	h.svc = svc
	require.NoError(t, client.Conn().Flush())
	return h
}

func (h *harness) request(t *testing.T, req protocol.SynthRequest) {
	t.Helper()
	require.NoError(t, h.client.PublishJSON(protocol.SubjectSynthRequest, req))
}

func (h *harness) status(t *testing.T) protocol.SynthStatus {
	t.Helper()
	select {
	case msg := <-h.done:
		var st protocol.SynthStatus
		require.NoError(t, json.Unmarshal(msg.Data, &st))
		return st
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for status")
	}
	return protocol.SynthStatus{}
}

// zeroFeatures is a silent utterance in the default 55 column layout.
func zeroFeatures(frames int) []float32 {
	return make([]float32, frames*config.Default().Vocoder.NbFeatures)
}

func TestServiceStreamsChunksAndStatus(t *testing.T) {
	h := startService(t, config.ServiceConfig{Enabled: true, MaxConcurrency: 2, ChunkFrames: 2, TimeoutMS: 5000})

	h.request(t, protocol.SynthRequest{UtteranceID: "utt-1", Target: "speaker", Features: zeroFeatures(5)})
	st := h.status(t)

	assert.Equal(t, "utt-1", st.UtteranceID)
	assert.True(t, st.Completed, st.Error)
	assert.Equal(t, 5, st.Frames)
	assert.Equal(t, 5*160, st.Samples)

	var chunks []protocol.AudioChunk
	for len(chunks) < 3 {
		select {
		case msg := <-h.audio:
			var c protocol.AudioChunk
			require.NoError(t, json.Unmarshal(msg.Data, &c))
			chunks = append(chunks, c)
		case <-time.After(2 * time.Second):
			t.Fatalf("expected 3 chunks, got %d", len(chunks))
		}
	}
	total := 0
	for i, c := range chunks {
		assert.Equal(t, i, c.Sequence)
		assert.Equal(t, 2*i, c.FirstFrame)
		assert.Equal(t, 16000, c.SampleRate)
		assert.Equal(t, "speaker", c.Target)
		assert.Equal(t, c.Frames*160*2, len(c.PCM))
		assert.Equal(t, i == 2, c.Final)
		total += c.Frames
	}
	assert.Equal(t, 5, total)

	job := h.jobs.job("utt-1")
	assert.Equal(t, jobstore.StatusCompleted, job.Status)
	assert.Equal(t, 800, job.Samples)
	assert.Equal(t, uint64(vocoder.DefaultSeed), job.Seed)
}

func TestServiceReportsMalformedInput(t *testing.T) {
	h := startService(t, config.ServiceConfig{Enabled: true, MaxConcurrency: 1, ChunkFrames: 4})

	h.request(t, protocol.SynthRequest{UtteranceID: "bad", Features: make([]float32, 54)})
	st := h.status(t)

	assert.False(t, st.Completed)
	assert.Contains(t, st.Error, "malformed")
	job := h.jobs.job("bad")
	assert.Equal(t, jobstore.StatusFailed, job.Status)
}

func TestServiceRejectsWrongWidth(t *testing.T) {
	h := startService(t, config.ServiceConfig{Enabled: true, MaxConcurrency: 1, ChunkFrames: 4})

	h.request(t, protocol.SynthRequest{UtteranceID: "narrow", Width: 20, Features: make([]float32, 40)})
	st := h.status(t)
	assert.False(t, st.Completed)
	assert.True(t, strings.Contains(st.Error, "width 20"), st.Error)
}

func TestServiceAssignsUtteranceID(t *testing.T) {
	h := startService(t, config.ServiceConfig{Enabled: true, MaxConcurrency: 1, ChunkFrames: 10})

	h.request(t, protocol.SynthRequest{Features: zeroFeatures(1)})
	st := h.status(t)
	require.True(t, st.Completed, st.Error)
	_, err := uuid.Parse(st.UtteranceID)
	assert.NoError(t, err)
}

func TestServiceRecordsResets(t *testing.T) {
	h := startService(t, config.ServiceConfig{Enabled: true, MaxConcurrency: 1, ChunkFrames: 10})

	mask := make([]bool, 4)
	mask[2] = true
	h.request(t, protocol.SynthRequest{UtteranceID: "resets", Features: zeroFeatures(4), ResetMask: mask, Blend: "smooth"})
	st := h.status(t)
	require.True(t, st.Completed, st.Error)
	assert.Equal(t, []int{2}, st.Resets)

	h.jobs.mu.Lock()
	defer h.jobs.mu.Unlock()
	require.Len(t, h.jobs.events, 1)
	assert.Equal(t, "reset", h.jobs.events[0].Type)
	assert.JSONEq(t, `{"frame":2}`, string(h.jobs.events[0].Payload))
}

func TestServiceRejectsRequestsAfterClose(t *testing.T) {
	h := startService(t, config.ServiceConfig{Enabled: true, MaxConcurrency: 1, ChunkFrames: 1})
	h.svc.Close()
	h.svc.Close()

	data, err := json.Marshal(protocol.SynthRequest{UtteranceID: "late", Features: make([]float32, 55)})
	require.NoError(t, err)
	h.svc.handleRequest(&nats.Msg{Subject: protocol.SubjectSynthRequest, Data: data})

	status := h.status(t)
	assert.Equal(t, "late", status.UtteranceID)
	assert.False(t, status.Completed)
	assert.Equal(t, ErrClosed.Error(), status.Error)
	assert.Empty(t, h.jobs.job("late").ID)
	assert.Zero(t, h.svc.InFlight())
}

func TestServiceDisabled(t *testing.T) {
	svc := NewService(context.Background(), config.ServiceConfig{}, config.Default().Vocoder, "none", nil, nil, nil, newLogger())
	require.NoError(t, svc.Start())
	assert.True(t, svc.Healthy())
	svc.Close()
}

func TestChunker(t *testing.T) {
	c := newChunker(3, 4)
	block := func(f int) vocoder.Block { return vocoder.Block{Frame: f, PCM: []int16{int16(f)}} }

	for f := 0; f < 2; f++ {
		_, _, _, _, ready := c.add(block(f))
		assert.False(t, ready)
	}
	pcm, first, n, final, ready := c.add(block(2))
	require.True(t, ready)
	assert.Equal(t, []int16{0, 1, 2}, pcm)
	assert.Equal(t, 0, first)
	assert.Equal(t, 3, n)
	assert.False(t, final)

	pcm, first, n, final, ready = c.add(block(3))
	require.True(t, ready)
	assert.Equal(t, []int16{3}, pcm)
	assert.Equal(t, 3, first)
	assert.Equal(t, 1, n)
	assert.True(t, final)
}
