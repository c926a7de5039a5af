// Package config reads the service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/koscakluka/ema-intake/core/audio"
)

const (
	SynthesizerDeepgram = "deepgram"
	SynthesizerPolly    = "polly"

	AuditSinkMemory = "memory"
	AuditSinkFile   = "file"
	AuditSinkS3     = "s3"
)

type Config struct {
	Addr     string
	LivePath string

	// RedisURL selects the Redis Streams bus; empty runs the bus in process.
	RedisURL     string
	ConsumerName string
	TenantMaxLen int64
	GlobalMaxLen int64
	BusBlock     time.Duration
	ClaimMinIdle time.Duration

	// Exactly one of JWTSecret and JWKSURL is set.
	JWTSecret   string
	JWKSURL     string
	JWTIssuer   string
	JWTAudience string

	FirmName          string
	LatencyTarget     time.Duration
	MinConfidence     float64
	TranscribeTimeout time.Duration
	GenerateTimeout   time.Duration
	SynthesizeTimeout time.Duration
	InputEncoding     audio.EncodingInfo
	OutputEncoding    audio.EncodingInfo

	DeepgramModel string
	DeepgramVoice string
	GroqURL       string
	GroqModel     string
	Synthesizer   string

	MaxAudioBufferBytes int
	AudioChunkBytes     int
	IdleTimeout         time.Duration
	PingInterval        time.Duration

	// ComplianceAssessor adds the model-backed check to the background
	// validator.
	ComplianceAssessor bool

	AuditSink          string
	AuditFile          string
	AuditBucket        string
	AuditPrefix        string
	AuditRegion        string
	AuditBatchSize     int
	AuditFlushInterval time.Duration
	AuditMaxBuffered   int
	AuditWorkers       int

	MonitorWindow     int
	MonitorMinSamples int
	MonitorCooldown   time.Duration

	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("EMA_ADDR", ":8080"),
		LivePath:            envOr("EMA_LIVE_PATH", "/v1/live"),
		RedisURL:            envOr("EMA_REDIS_URL", ""),
		ConsumerName:        envOr("EMA_CONSUMER_NAME", hostnameOr("ema-intake")),
		TenantMaxLen:        envInt64Or("EMA_BUS_TENANT_MAXLEN", 10_000),
		GlobalMaxLen:        envInt64Or("EMA_BUS_GLOBAL_MAXLEN", 100_000),
		BusBlock:            envDurationOr("EMA_BUS_BLOCK", time.Second),
		ClaimMinIdle:        envDurationOr("EMA_BUS_CLAIM_MIN_IDLE", 30*time.Second),
		JWTSecret:           envOr("EMA_JWT_SECRET", ""),
		JWKSURL:             envOr("EMA_JWKS_URL", ""),
		JWTIssuer:           envOr("EMA_JWT_ISSUER", ""),
		JWTAudience:         envOr("EMA_JWT_AUDIENCE", ""),
		FirmName:            envOr("EMA_FIRM_NAME", ""),
		LatencyTarget:       envDurationOr("EMA_LATENCY_TARGET", 100*time.Millisecond),
		MinConfidence:       envFloat64Or("EMA_MIN_CONFIDENCE", 0.35),
		TranscribeTimeout:   envDurationOr("EMA_TRANSCRIBE_TIMEOUT", 5*time.Second),
		GenerateTimeout:     envDurationOr("EMA_GENERATE_TIMEOUT", 8*time.Second),
		SynthesizeTimeout:   envDurationOr("EMA_SYNTHESIZE_TIMEOUT", 5*time.Second),
		DeepgramModel:       envOr("EMA_DEEPGRAM_MODEL", ""),
		DeepgramVoice:       envOr("EMA_DEEPGRAM_VOICE", ""),
		GroqURL:             envOr("EMA_GROQ_URL", ""),
		GroqModel:           envOr("EMA_GROQ_MODEL", ""),
		Synthesizer:         strings.ToLower(envOr("EMA_SYNTHESIZER", SynthesizerDeepgram)),
		MaxAudioBufferBytes: envIntOr("EMA_MAX_AUDIO_BUFFER_BYTES", 320_000),
		AudioChunkBytes:     envIntOr("EMA_AUDIO_CHUNK_BYTES", 8192),
		IdleTimeout:         envDurationOr("EMA_IDLE_TIMEOUT", 30*time.Second),
		PingInterval:        envDurationOr("EMA_PING_INTERVAL", 15*time.Second),
		ComplianceAssessor:  envBoolOr("EMA_COMPLIANCE_ASSESSOR", false),
		AuditSink:           strings.ToLower(envOr("EMA_AUDIT_SINK", AuditSinkMemory)),
		AuditFile:           envOr("EMA_AUDIT_FILE", "audit.jsonl"),
		AuditBucket:         envOr("EMA_AUDIT_BUCKET", ""),
		AuditPrefix:         envOr("EMA_AUDIT_PREFIX", "audit"),
		AuditRegion:         envOr("EMA_AUDIT_REGION", envOr("AWS_REGION", "us-east-1")),
		AuditBatchSize:      envIntOr("EMA_AUDIT_BATCH_SIZE", 100),
		AuditFlushInterval:  envDurationOr("EMA_AUDIT_FLUSH_INTERVAL", 5*time.Second),
		AuditMaxBuffered:    envIntOr("EMA_AUDIT_MAX_BUFFERED", 10_000),
		AuditWorkers:        envIntOr("EMA_AUDIT_WORKERS", 4),
		MonitorWindow:       envIntOr("EMA_MONITOR_WINDOW", 100),
		MonitorMinSamples:   envIntOr("EMA_MONITOR_MIN_SAMPLES", 1),
		MonitorCooldown:     envDurationOr("EMA_MONITOR_COOLDOWN", 5*time.Minute),
		ReadHeaderTimeout:   envDurationOr("EMA_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod: envDurationOr("EMA_SHUTDOWN_GRACE_PERIOD", 15*time.Second),
	}

	var err error
	if cfg.InputEncoding, err = envEncoding("EMA_INPUT"); err != nil {
		return Config{}, err
	}
	if cfg.OutputEncoding, err = envEncoding("EMA_OUTPUT"); err != nil {
		return Config{}, err
	}

	if (cfg.JWTSecret == "") == (cfg.JWKSURL == "") {
		return Config{}, fmt.Errorf("exactly one of EMA_JWT_SECRET and EMA_JWKS_URL must be set")
	}
	if cfg.LatencyTarget <= 0 {
		return Config{}, fmt.Errorf("EMA_LATENCY_TARGET must be > 0")
	}
	if cfg.MinConfidence < 0 || cfg.MinConfidence > 1 {
		return Config{}, fmt.Errorf("EMA_MIN_CONFIDENCE must be between 0 and 1")
	}
	if cfg.TranscribeTimeout <= 0 || cfg.GenerateTimeout <= 0 || cfg.SynthesizeTimeout <= 0 {
		return Config{}, fmt.Errorf("stage timeouts must be > 0")
	}
	switch cfg.Synthesizer {
	case SynthesizerDeepgram, SynthesizerPolly:
	default:
		return Config{}, fmt.Errorf("EMA_SYNTHESIZER must be one of deepgram|polly")
	}
	if cfg.MaxAudioBufferBytes <= 0 {
		return Config{}, fmt.Errorf("EMA_MAX_AUDIO_BUFFER_BYTES must be > 0")
	}
	if cfg.AudioChunkBytes <= 0 {
		return Config{}, fmt.Errorf("EMA_AUDIO_CHUNK_BYTES must be > 0")
	}
	if cfg.IdleTimeout <= 0 {
		return Config{}, fmt.Errorf("EMA_IDLE_TIMEOUT must be > 0")
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.IdleTimeout {
		return Config{}, fmt.Errorf("EMA_PING_INTERVAL must be > 0 and shorter than EMA_IDLE_TIMEOUT")
	}
	if cfg.TenantMaxLen <= 0 || cfg.GlobalMaxLen <= 0 {
		return Config{}, fmt.Errorf("stream retention caps must be > 0")
	}
	if cfg.BusBlock <= 0 {
		return Config{}, fmt.Errorf("EMA_BUS_BLOCK must be > 0")
	}
	if cfg.ClaimMinIdle < 0 {
		return Config{}, fmt.Errorf("EMA_BUS_CLAIM_MIN_IDLE must be >= 0")
	}
	switch cfg.AuditSink {
	case AuditSinkMemory, AuditSinkFile:
	case AuditSinkS3:
		if cfg.AuditBucket == "" {
			return Config{}, fmt.Errorf("EMA_AUDIT_BUCKET must be set when EMA_AUDIT_SINK=s3")
		}
	default:
		return Config{}, fmt.Errorf("EMA_AUDIT_SINK must be one of memory|file|s3")
	}
	if cfg.AuditBatchSize <= 0 || cfg.AuditMaxBuffered < cfg.AuditBatchSize {
		return Config{}, fmt.Errorf("EMA_AUDIT_BATCH_SIZE must be > 0 and <= EMA_AUDIT_MAX_BUFFERED")
	}
	if cfg.AuditFlushInterval <= 0 {
		return Config{}, fmt.Errorf("EMA_AUDIT_FLUSH_INTERVAL must be > 0")
	}
	if cfg.MonitorWindow <= 0 || cfg.MonitorMinSamples <= 0 || cfg.MonitorMinSamples > cfg.MonitorWindow {
		return Config{}, fmt.Errorf("EMA_MONITOR_MIN_SAMPLES must be between 1 and EMA_MONITOR_WINDOW")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("EMA_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envEncoding(prefix string) (audio.EncodingInfo, error) {
	format, err := audio.ParseFormat(envOr(prefix+"_FORMAT", string(audio.DefaultFormat)))
	if err != nil {
		return audio.EncodingInfo{}, fmt.Errorf("%s_FORMAT: %w", prefix, err)
	}
	sampleRate := envIntOr(prefix+"_SAMPLE_RATE", audio.DefaultSampleRate)
	if sampleRate <= 0 {
		return audio.EncodingInfo{}, fmt.Errorf("%s_SAMPLE_RATE must be > 0", prefix)
	}
	return audio.EncodingInfo{SampleRate: sampleRate, Format: format}, nil
}

func hostnameOr(def string) string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return def
	}
	return name
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
