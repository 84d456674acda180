package capability

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-vocoder/internal/bus"
	"github.com/loqalabs/loqa-vocoder/internal/config"
	"github.com/loqalabs/loqa-vocoder/internal/natsserver"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func connect(t *testing.T) *bus.Client {
	t.Helper()
	cfg := config.BusConfig{
		Embedded:       true,
		Host:           "127.0.0.1",
		Port:           -1,
		StoreDir:       filepath.Join(t.TempDir(), "nats"),
		ConnectTimeout: 2000,
	}
	srv, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	cfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), "registry-test", cfg, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func nodeConfig(id string) config.NodeConfig {
	return config.NodeConfig{
		ID:                id,
		Role:              "vocoder",
		HeartbeatInterval: 50,
		HeartbeatTimeout:  500,
		Capabilities: []config.NodeCapability{
			{Name: SynthCapability, Tier: "balanced", Attributes: map[string]string{"voice": "studio"}},
		},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestRegistryAnnouncesLocalWorker(t *testing.T) {
	client := connect(t)
	reg, err := NewRegistry(context.Background(), nodeConfig("node-a"), map[string]string{"sample_rate": "16000"}, client, newLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(reg.Close)

	if !reg.Healthy() {
		t.Fatal("expected local worker healthy after announce")
	}
	caps := reg.LocalCapabilities()
	if len(caps) != 1 || caps[0].Name != SynthCapability {
		t.Fatalf("unexpected capabilities %+v", caps)
	}
	if caps[0].Attributes["sample_rate"] != "16000" || caps[0].Attributes["voice"] != "studio" {
		t.Fatalf("expected merged attributes, got %v", caps[0].Attributes)
	}
}

func TestRegistrySeesPeers(t *testing.T) {
	client := connect(t)
	a, err := NewRegistry(context.Background(), nodeConfig("node-a"), map[string]string{"sample_rate": "16000"}, client, newLogger())
	if err != nil {
		t.Fatalf("registry a: %v", err)
	}
	t.Cleanup(a.Close)
	b, err := NewRegistry(context.Background(), nodeConfig("node-b"), map[string]string{"sample_rate": "8000"}, client, newLogger())
	if err != nil {
		t.Fatalf("registry b: %v", err)
	}
	t.Cleanup(b.Close)

	waitFor(t, func() bool { return len(a.Query(WithCapabilityFilter(SynthCapability), HealthyOnly)) == 2 })

	workers := a.Query(WithAttribute("sample_rate", "8000"))
	if len(workers) != 1 || workers[0].ID != "node-b" {
		t.Fatalf("expected node-b only, got %+v", workers)
	}
	if got := a.Query(WithCapabilityFilter("stt.transcribe")); len(got) != 0 {
		t.Fatalf("expected no workers for unknown capability, got %+v", got)
	}
}

func TestEvaluateHealthMarksStaleWorkers(t *testing.T) {
	r := &Registry{
		cfg:     nodeConfig("node-a"),
		workers: make(map[string]*Worker),
		now:     time.Now,
	}
	r.updateWorker("node-a", "vocoder", nil, time.Now())
	r.updateWorker("node-b", "vocoder", nil, time.Now().Add(-time.Minute))
	r.evaluateHealth()

	if !r.Healthy() {
		t.Fatal("expected fresh local worker healthy")
	}
	if got := r.Query(HealthyOnly); len(got) != 1 || got[0].ID != "node-a" {
		t.Fatalf("expected only node-a healthy, got %+v", got)
	}
	known, healthy := r.snapshotCounts()
	if known != 2 || healthy != 1 {
		t.Fatalf("unexpected counts %d/%d", known, healthy)
	}
}
