package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Node        NodeConfig      `yaml:"node"`
	JobStore    JobStoreConfig  `yaml:"job_store"`
	Vocoder     VocoderConfig   `yaml:"vocoder"`
	Model       ModelConfig     `yaml:"model"`
	Reset       ResetConfig     `yaml:"reset"`
	Service     ServiceConfig   `yaml:"service"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string           `yaml:"id"`
	Role              string           `yaml:"role"`
	HeartbeatInterval int              `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int              `yaml:"heartbeat_timeout_ms"`
	Capabilities      []NodeCapability `yaml:"capabilities"`
}

type NodeCapability struct {
	Name       string            `yaml:"name"`
	Tier       string            `yaml:"tier"`
	Attributes map[string]string `yaml:"attributes"`
}

type JobStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxJobs       int    `yaml:"max_jobs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// VocoderConfig holds the feature layout and the numeric constants of the
// sample loop.
type VocoderConfig struct {
	FrameSize       int            `yaml:"frame_size"`
	LPCOrder        int            `yaml:"lpc_order"`
	NbFeatures      int            `yaml:"nb_features"`
	NbUsedFeatures  int            `yaml:"nb_used_features"`
	MaskedBandStart int            `yaml:"masked_band_start"`
	MaskedBandEnd   int            `yaml:"masked_band_end"`
	PitchIndex      int            `yaml:"pitch_index"`
	VoicingIndex    int            `yaml:"voicing_index"`
	SampleRate      int            `yaml:"sample_rate"`
	PostfilterCoef  float64        `yaml:"postfilter_coef"`
	Seed            uint64         `yaml:"seed"`
	Sampling        SamplingConfig `yaml:"sampling"`
}

type SamplingConfig struct {
	TailFloor       float64 `yaml:"tail_floor"`
	SharpenEpsilon  float64 `yaml:"sharpen_epsilon"`
	TruncateEpsilon float64 `yaml:"truncate_epsilon"`
	SharpenSlope    float64 `yaml:"sharpen_slope"`
	SharpenOffset   float64 `yaml:"sharpen_offset"`
}

type ModelConfig struct {
	Mode      string `yaml:"mode"` // mock, exec
	Command   string `yaml:"command"`
	Manifest  string `yaml:"manifest"`
	Variant   string `yaml:"variant"`
	RNNUnits1 int    `yaml:"rnn_units1"`
	RNNUnits2 int    `yaml:"rnn_units2"`
	EmbedSize int    `yaml:"embed_size"`
}

type ResetConfig struct {
	Mode             string  `yaml:"mode"` // none, rule, net, periodic
	Blend            string  `yaml:"blend"`
	MinFramesBetween int     `yaml:"min_frames_between"`
	NetThreshold     float64 `yaml:"net_threshold"`
	NetConsecutive   int     `yaml:"net_consecutive"`
	PeriodicInterval int     `yaml:"periodic_interval"`
}

type ServiceConfig struct {
	Enabled            bool `yaml:"enabled"`
	MaxConcurrency     int  `yaml:"max_concurrency"`
	ChunkFrames        int  `yaml:"chunk_frames"`
	TimeoutMS          int  `yaml:"timeout_ms"`
	EmbeddingCacheSize int  `yaml:"embedding_cache_size"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-vocoder",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Host:           "0.0.0.0",
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "vocoder-node-1",
			Role:              "vocoder",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
			Capabilities: []NodeCapability{
				{Name: "vocoder.synth", Tier: "balanced"},
			},
		},
		JobStore: JobStoreConfig{
			Path:          "./data/vocoder-jobs.db",
			RetentionMode: "session",
			RetentionDays: 7,
			MaxJobs:       10000,
		},
		Vocoder: VocoderConfig{
			FrameSize:       160,
			LPCOrder:        16,
			NbFeatures:      55,
			NbUsedFeatures:  38,
			MaskedBandStart: 18,
			MaskedBandEnd:   36,
			PitchIndex:      36,
			VoicingIndex:    37,
			SampleRate:      16000,
			PostfilterCoef:  0.85,
			Seed:            23,
			Sampling: SamplingConfig{
				TailFloor:       0.002,
				SharpenEpsilon:  1e-18,
				TruncateEpsilon: 1e-6,
				SharpenSlope:    1.5,
				SharpenOffset:   0.5,
			},
		},
		Model: ModelConfig{
			Mode:      "mock",
			Variant:   "streaming",
			RNNUnits1: 384,
			RNNUnits2: 16,
			EmbedSize: 128,
		},
		Reset: ResetConfig{
			Mode:             "none",
			Blend:            "hard",
			MinFramesBetween: 20,
			NetThreshold:     0.95,
			NetConsecutive:   3,
			PeriodicInterval: 10,
		},
		Service: ServiceConfig{
			Enabled:            true,
			MaxConcurrency:     4,
			ChunkFrames:        10,
			TimeoutMS:          60000,
			EmbeddingCacheSize: 64,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "LOQA_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.JobStore.Path, "LOQA_JOB_STORE_PATH")
	overrideString(&cfg.JobStore.RetentionMode, "LOQA_JOB_STORE_RETENTION_MODE")
	overrideInt(&cfg.JobStore.RetentionDays, "LOQA_JOB_STORE_RETENTION_DAYS")
	overrideInt(&cfg.JobStore.MaxJobs, "LOQA_JOB_STORE_MAX_JOBS")
	overrideBool(&cfg.JobStore.VacuumOnStart, "LOQA_JOB_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Vocoder.FrameSize, "LOQA_VOCODER_FRAME_SIZE")
	overrideInt(&cfg.Vocoder.SampleRate, "LOQA_VOCODER_SAMPLE_RATE")
	overrideFloat(&cfg.Vocoder.PostfilterCoef, "LOQA_VOCODER_POSTFILTER_COEF")
	overrideUint64(&cfg.Vocoder.Seed, "LOQA_VOCODER_SEED")
	overrideString(&cfg.Model.Mode, "LOQA_MODEL_MODE")
	overrideString(&cfg.Model.Command, "LOQA_MODEL_COMMAND")
	overrideString(&cfg.Model.Manifest, "LOQA_MODEL_MANIFEST")
	overrideString(&cfg.Model.Variant, "LOQA_MODEL_VARIANT")
	overrideString(&cfg.Reset.Mode, "LOQA_RESET_MODE")
	overrideString(&cfg.Reset.Blend, "LOQA_RESET_BLEND")
	overrideInt(&cfg.Reset.MinFramesBetween, "LOQA_RESET_MIN_FRAMES_BETWEEN")
	overrideFloat(&cfg.Reset.NetThreshold, "LOQA_RESET_NET_THRESHOLD")
	overrideInt(&cfg.Reset.PeriodicInterval, "LOQA_RESET_PERIODIC_INTERVAL")
	overrideBool(&cfg.Service.Enabled, "LOQA_SERVICE_ENABLED")
	overrideInt(&cfg.Service.MaxConcurrency, "LOQA_SERVICE_MAX_CONCURRENCY")
	overrideInt(&cfg.Service.ChunkFrames, "LOQA_SERVICE_CHUNK_FRAMES")
	overrideInt(&cfg.Service.TimeoutMS, "LOQA_SERVICE_TIMEOUT_MS")
	overrideInt(&cfg.Service.EmbeddingCacheSize, "LOQA_SERVICE_EMBEDDING_CACHE_SIZE")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideUint64(target *uint64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseUint(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if len(cfg.Node.Capabilities) == 0 {
		return errors.New("node.capabilities must not be empty")
	}
	if cfg.JobStore.Path == "" {
		return errors.New("job_store.path must not be empty")
	}
	switch cfg.JobStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("job_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.JobStore.RetentionDays < 0 {
		return errors.New("job_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if err := validateVocoder(cfg.Vocoder); err != nil {
		return err
	}
	switch cfg.Model.Mode {
	case "mock":
	case "exec":
		if cfg.Model.Command == "" && cfg.Model.Manifest == "" {
			return errors.New("model.command must be set when mode=exec")
		}
	default:
		return errors.New("model.mode must be one of mock|exec")
	}
	switch cfg.Model.Variant {
	case "streaming", "training":
	default:
		return errors.New("model.variant must be one of streaming|training")
	}
	if cfg.Model.RNNUnits1 <= 0 || cfg.Model.RNNUnits2 <= 0 || cfg.Model.EmbedSize <= 0 {
		return errors.New("model.rnn_units1, model.rnn_units2 and model.embed_size must be positive")
	}
	switch cfg.Reset.Mode {
	case "none", "rule", "net", "periodic":
	default:
		return errors.New("reset.mode must be one of none|rule|net|periodic")
	}
	switch cfg.Reset.Blend {
	case "hard", "smooth", "shift":
	default:
		return errors.New("reset.blend must be one of hard|smooth|shift")
	}
	if cfg.Reset.MinFramesBetween < 0 {
		return errors.New("reset.min_frames_between must be >= 0")
	}
	if cfg.Reset.NetConsecutive <= 0 {
		return errors.New("reset.net_consecutive must be positive")
	}
	if cfg.Reset.Mode == "periodic" && cfg.Reset.PeriodicInterval <= 0 {
		return errors.New("reset.periodic_interval must be positive when mode=periodic")
	}
	if cfg.Service.Enabled {
		if cfg.Service.MaxConcurrency <= 0 {
			return errors.New("service.max_concurrency must be >= 1")
		}
		if cfg.Service.ChunkFrames <= 0 {
			return errors.New("service.chunk_frames must be >= 1")
		}
		if cfg.Service.TimeoutMS < 0 {
			return errors.New("service.timeout_ms must be >= 0")
		}
	}
	if cfg.Service.EmbeddingCacheSize < 0 {
		return errors.New("service.embedding_cache_size must be >= 0")
	}
	return nil
}

func validateVocoder(v VocoderConfig) error {
	if v.FrameSize <= 0 {
		return errors.New("vocoder.frame_size must be positive")
	}
	if v.LPCOrder <= 0 {
		return errors.New("vocoder.lpc_order must be positive")
	}
	if v.NbUsedFeatures <= 0 || v.NbUsedFeatures+v.LPCOrder > v.NbFeatures {
		return errors.New("vocoder.nb_features must hold nb_used_features and lpc_order")
	}
	if v.MaskedBandStart < 0 || v.MaskedBandStart > v.MaskedBandEnd || v.MaskedBandEnd > v.NbUsedFeatures {
		return errors.New("vocoder.masked_band_start..masked_band_end must lie within the used features")
	}
	if v.PitchIndex < 0 || v.PitchIndex >= v.NbUsedFeatures || v.VoicingIndex < 0 || v.VoicingIndex >= v.NbUsedFeatures {
		return errors.New("vocoder.pitch_index and vocoder.voicing_index must lie within the used features")
	}
	if v.SampleRate <= 0 {
		return errors.New("vocoder.sample_rate must be positive")
	}
	if v.PostfilterCoef < 0 || v.PostfilterCoef >= 1 {
		return errors.New("vocoder.postfilter_coef must be in [0, 1)")
	}
	if v.Sampling.TailFloor < 0 {
		return errors.New("vocoder.sampling.tail_floor must be >= 0")
	}
	return nil
}
