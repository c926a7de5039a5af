package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	orchestration "github.com/koscakluka/ema-intake/core"
	"github.com/koscakluka/ema-intake/core/compliance"
	"github.com/koscakluka/ema-intake/core/connection"
	"github.com/koscakluka/ema-intake/core/consumers"
	"github.com/koscakluka/ema-intake/core/consumers/audit"
	"github.com/koscakluka/ema-intake/core/consumers/performance"
	"github.com/koscakluka/ema-intake/core/consumers/validator"
	"github.com/koscakluka/ema-intake/core/eventbus"
	"github.com/koscakluka/ema-intake/core/identity"
	"github.com/koscakluka/ema-intake/core/llms"
	"github.com/koscakluka/ema-intake/core/llms/groq"
	deepgramstt "github.com/koscakluka/ema-intake/core/speechtotext/deepgram"
	deepgramtts "github.com/koscakluka/ema-intake/core/texttospeech/deepgram"
	"github.com/koscakluka/ema-intake/core/texttospeech/polly"
	"github.com/koscakluka/ema-intake/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

var logger = otelslog.NewLogger("github.com/koscakluka/ema-intake/cmd/ema-intake")

func main() {
	os.Exit(runMain(context.Background()))
}

func runMain(ctx context.Context) int {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "ema-intake: load .env: %v\n", err)
		return 1
	}

	shutdownLogs, err := setupLogging()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ema-intake: %v\n", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownLogs(flushCtx)
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logger.Error("ema-intake stopped with error", "error", err)
		return 1
	}
	return 0
}

func setupLogging() (func(context.Context) error, error) {
	exporter, err := stdoutlog.New()
	if err != nil {
		return nil, fmt.Errorf("create log exporter: %w", err)
	}
	provider := sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)))
	global.SetLoggerProvider(provider)
	return provider.Shutdown, nil
}

func run(ctx context.Context) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	bus, err := newBus(ctx, cfg)
	if err != nil {
		return err
	}
	defer bus.Close()

	authenticator, err := newAuthenticator(cfg)
	if err != nil {
		return err
	}
	defer authenticator.Close()

	var groqOpts []groq.ClientOption
	if cfg.GroqURL != "" {
		groqOpts = append(groqOpts, groq.WithURL(cfg.GroqURL))
	}
	if cfg.GroqModel != "" {
		groqOpts = append(groqOpts, groq.WithModel(cfg.GroqModel))
	}
	generator, err := groq.NewClient(groqOpts...)
	if err != nil {
		return fmt.Errorf("create generator: %w", err)
	}

	var sttOpts []deepgramstt.TranscriptionClientOption
	if cfg.DeepgramModel != "" {
		sttOpts = append(sttOpts, deepgramstt.WithModel(cfg.DeepgramModel))
	}
	transcriber, err := deepgramstt.NewTranscriptionClient(sttOpts...)
	if err != nil {
		return fmt.Errorf("create transcriber: %w", err)
	}

	synthesizer, err := newSynthesizer(cfg)
	if err != nil {
		return err
	}

	orchestrator := orchestration.NewOrchestrator(
		orchestration.WithTranscriber(transcriber),
		orchestration.WithGenerator(generator),
		orchestration.WithSynthesizer(synthesizer),
		orchestration.WithPublisher(bus),
		orchestration.WithPolicy(llms.ReceptionistPolicy(cfg.FirmName)),
		orchestration.WithLatencyTarget(cfg.LatencyTarget),
		orchestration.WithAlertCooldown(cfg.MonitorCooldown),
		orchestration.WithMinConfidence(cfg.MinConfidence),
		orchestration.WithStageTimeouts(cfg.TranscribeTimeout, cfg.GenerateTimeout, cfg.SynthesizeTimeout),
		orchestration.WithInputEncoding(cfg.InputEncoding),
		orchestration.WithOutputEncoding(cfg.OutputEncoding),
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	auditLog, err := newAuditLogger(cfg)
	if err != nil {
		return err
	}

	var validatorOpts []validator.Option
	if cfg.ComplianceAssessor {
		validatorOpts = append(validatorOpts, validator.WithAssessor(compliance.NewLLMAssessor(generator)))
	}
	workers, err := consumers.Start(ctx, bus, cfg.ConsumerName,
		validator.New(bus, validatorOpts...),
		auditLog,
		performance.New(bus,
			performance.WithTarget(cfg.LatencyTarget),
			performance.WithWindow(cfg.MonitorWindow, cfg.MonitorMinSamples),
			performance.WithCooldown(cfg.MonitorCooldown),
			performance.WithRegisterer(registry),
		),
	)
	if err != nil {
		return err
	}

	manager := connection.NewManager(orchestrator, authenticator,
		connection.WithPublisher(bus),
		connection.WithMaxAudioBufferBytes(cfg.MaxAudioBufferBytes),
		connection.WithAudioChunkBytes(cfg.AudioChunkBytes),
		connection.WithIdleTimeout(cfg.IdleTimeout),
		connection.WithPingInterval(cfg.PingInterval),
		connection.WithLatencyTarget(cfg.LatencyTarget),
	)

	mux := http.NewServeMux()
	mux.Handle(cfg.LivePath, manager)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":         "ok",
			"sessions":       manager.Registry().Count(),
			"audit_buffered": auditLog.Buffered(),
		})
	})

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}

	listenErr := make(chan error, 1)
	go func() {
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
			return
		}
		listenErr <- nil
	}()
	logger.Info("ema-intake listening", "addr", cfg.Addr, "live_path", cfg.LivePath, "redis", cfg.RedisURL != "")

	select {
	case err := <-listenErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()

	var errs []error
	if err := manager.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("close live sessions: %w", err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
	}
	if err := orchestrator.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("drain orchestrator events: %w", err))
	}
	consumers.Stop(workers)
	if err := auditLog.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("flush audit log: %w", err))
	}

	logger.Info("ema-intake stopped")
	return errors.Join(errs...)
}

func newBus(ctx context.Context, cfg config.Config) (*eventbus.Bus, error) {
	var streams eventbus.Streams = eventbus.NewMemoryStreams()
	if cfg.RedisURL != "" {
		redisStreams, err := eventbus.DialRedis(ctx, cfg.RedisURL, eventbus.WithApproximateTrim())
		if err != nil {
			return nil, err
		}
		streams = redisStreams
	}
	return eventbus.New(streams,
		eventbus.WithRetention(cfg.TenantMaxLen, cfg.GlobalMaxLen),
		eventbus.WithBlock(cfg.BusBlock),
		eventbus.WithClaimMinIdle(cfg.ClaimMinIdle),
	), nil
}

func newAuthenticator(cfg config.Config) (*identity.JWTAuthenticator, error) {
	var opts []identity.JWTOption
	if cfg.JWTIssuer != "" {
		opts = append(opts, identity.WithIssuer(cfg.JWTIssuer))
	}
	if cfg.JWTAudience != "" {
		opts = append(opts, identity.WithAudience(cfg.JWTAudience))
	}

	if cfg.JWKSURL != "" {
		authenticator, err := identity.NewJWKS(cfg.JWKSURL, opts...)
		if err != nil {
			return nil, fmt.Errorf("load jwks: %w", err)
		}
		return authenticator, nil
	}
	return identity.NewHS256([]byte(cfg.JWTSecret), opts...)
}

func newSynthesizer(cfg config.Config) (orchestration.Synthesizer, error) {
	if cfg.Synthesizer == config.SynthesizerPolly {
		return polly.NewSynthesizer(polly.ConfigFromEnv()), nil
	}

	var opts []deepgramtts.TextToSpeechClientOption
	if cfg.DeepgramVoice != "" {
		opts = append(opts, deepgramtts.WithVoice(deepgramtts.Voice(cfg.DeepgramVoice)))
	}
	synthesizer, err := deepgramtts.NewTextToSpeechClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create synthesizer: %w", err)
	}
	return synthesizer, nil
}

func newAuditLogger(cfg config.Config) (*audit.Logger, error) {
	var sink audit.Sink
	switch cfg.AuditSink {
	case config.AuditSinkS3:
		sink = audit.NewS3Sink(audit.S3Config{Bucket: cfg.AuditBucket, Prefix: cfg.AuditPrefix, Region: cfg.AuditRegion})
	case config.AuditSinkFile:
		sink = audit.NewFileSink(cfg.AuditFile)
	default:
		sink = audit.NewMemorySink()
	}

	auditLog, err := audit.New(sink, cfg.AuditWorkers,
		audit.WithBatchSize(cfg.AuditBatchSize),
		audit.WithFlushInterval(cfg.AuditFlushInterval),
		audit.WithMaxBuffered(cfg.AuditMaxBuffered),
	)
	if err != nil {
		return nil, fmt.Errorf("create audit logger: %w", err)
	}
	return auditLog, nil
}
