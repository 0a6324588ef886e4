package tutor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/tutorcall/pkg/adapters/stt"
	"github.com/harunnryd/tutorcall/pkg/configutil"
	"github.com/harunnryd/tutorcall/pkg/llm"
	"github.com/harunnryd/tutorcall/pkg/logging"
	"github.com/harunnryd/tutorcall/pkg/metrics"
	"github.com/harunnryd/tutorcall/pkg/observers"
	"github.com/harunnryd/tutorcall/pkg/preferences"
	"github.com/harunnryd/tutorcall/pkg/redact"
	"github.com/harunnryd/tutorcall/pkg/relay"
	"github.com/harunnryd/tutorcall/pkg/resilience"
	"github.com/harunnryd/tutorcall/pkg/runner"
	"github.com/harunnryd/tutorcall/pkg/session"
	"github.com/harunnryd/tutorcall/pkg/transports/browser"
	"github.com/harunnryd/tutorcall/pkg/transports/twilio"
	"github.com/harunnryd/tutorcall/pkg/turn"
)

type Options struct {
	Config Config
	// Providers defaults to DefaultProviders.
	Providers *ProviderRegistry
	Logger    *slog.Logger
	// Metrics, when set, receives events next to the built-in observers.
	Metrics metrics.Observer
}

// Engine owns the HTTP surface, the live call sessions and the observer
// chain of one tutor process.
type Engine struct {
	cfg       Config
	base      *slog.Logger
	log       *slog.Logger
	providers *ProviderRegistry
	prefs     *preferences.Store
	sessions  *session.Registry
	handler   *browser.Handler
	server    *relay.Server
	breaker   *resilience.CircuitBreaker
	retry     llm.RetryConfig
	runner    *runner.LifecycleRunner

	obs     metrics.Observer
	async   *metrics.AsyncObserver
	closers []func() error
}

func NewEngine(opts Options) (*Engine, error) {
	cfg := opts.Config
	redact.SetEnabled(cfg.Privacy.RedactPII)

	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviders()
	}
	if err := providers.Check(cfg.Vendors); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	prefs, err := preferences.Open(cfg.Preferences.Path)
	if err != nil {
		return nil, err
	}

	retry, threshold, cooldown := decodeResilience(cfg.Vendors.LLM.Settings)
	shutdown := configutil.DurationMS(cfg.Server.ShutdownTimeoutMS, 10*time.Second)
	e := &Engine{
		cfg:       cfg,
		base:      log,
		log:       logging.NewComponentLogger(log, "tutor"),
		providers: providers,
		prefs:     prefs,
		sessions:  session.NewRegistry(shutdown),
		breaker:   resilience.NewCircuitBreaker(threshold, cooldown),
		retry:     retry,
	}
	if err := e.buildObservers(log, opts.Metrics); err != nil {
		return nil, err
	}

	e.runner = runner.NewLifecycleRunner(e, runner.Hooks{OnStart: e.start, OnStop: e.stop}, shutdown+time.Second).
		WithLogger(logging.NewComponentLogger(log, "runner"))
	e.handler = browser.NewHandler(browser.Config{AllowedOrigins: cfg.Server.AllowedOrigins}, e.newSession, log)
	e.server = relay.New(relay.Config{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxUploadBytes: int64(cfg.Server.MaxUploadMB) << 20,
	}, relay.Dependencies{
		Tokens:      twilio.NewMinter(cfg.RTC),
		Chat:        e,
		Preferences: prefs,
		Sessions:    e.sessions,
		Lifecycle:   e.runner,
		Session:     e.handler,
		Logger:      log,
	})

	e.log.Info("tutor_init",
		slog.String("environment", cfg.Environment),
		slog.String("stt_provider", cfg.Vendors.STT.Provider),
		slog.String("llm_provider", cfg.Vendors.LLM.Provider),
		slog.String("tts_provider", cfg.Vendors.TTS.Provider),
		slog.String("recognizer", configutil.StringValue(cfg.Recognizer.Provider, RecognizerNone)))
	return e, nil
}

func (e *Engine) buildObservers(log *slog.Logger, extra metrics.Observer) error {
	list := []metrics.Observer{observers.NewLoggerObserver(log), observers.NewLatencyObserver(log)}
	if dir := strings.TrimSpace(e.cfg.Observability.ArtifactsDir); dir != "" {
		timeline := observers.NewTimelineObserver(dir)
		usage := observers.NewUsageObserver(dir)
		list = append(list, timeline, usage)
		e.closers = append(e.closers, timeline.Close, usage.Close)
	}
	if path := strings.TrimSpace(e.cfg.Observability.MetricsPath); path != "" {
		jsonl, err := metrics.OpenJSONLFile(path)
		if err != nil {
			return fmt.Errorf("open metrics file: %w", err)
		}
		list = append(list, jsonl)
	}
	if extra != nil {
		list = append(list, extra)
	}
	e.async = metrics.NewAsyncObserver(observers.NewMultiObserver(list...), 2048)
	e.obs = e.async
	if rate := e.cfg.Observability.SampleRate; rate > 0 && rate < 1 {
		e.obs = metrics.NewSamplingObserver(e.async, rate)
	}
	return nil
}

func (e *Engine) Config() Config { return e.cfg }

// Handler exposes the HTTP surface, mostly for tests.
func (e *Engine) Handler() http.Handler { return e.server.Handler() }

func (e *Engine) Sessions() *session.Registry { return e.sessions }

// Run serves until ctx ends, then drains sessions and flushes observers.
func (e *Engine) Run(ctx context.Context) error {
	return e.runner.Run(ctx)
}

// Drain refuses new call sessions and closes the live ones.
func (e *Engine) Drain(ctx context.Context) error {
	e.handler.SetDraining(true)
	return e.sessions.Drain(ctx)
}

func (e *Engine) start(context.Context) error {
	if dir := strings.TrimSpace(e.cfg.Observability.ArtifactsDir); dir != "" && e.cfg.Observability.RetentionDays > 0 {
		res, err := observers.PurgeArtifacts(dir, time.Duration(e.cfg.Observability.RetentionDays)*24*time.Hour, time.Now())
		if err != nil {
			e.log.Warn("artifact_purge_failed", slog.String("error", err.Error()))
		}
		if res.Total() > 0 {
			e.log.Info("artifacts_purged", slog.Int("timelines", res.Timelines), slog.Int("usage", res.Usage))
		}
	}
	errCh := make(chan error, 1)
	go func() { errCh <- e.server.Start(e.cfg.Server.Addr) }()
	// Surface bind errors before reporting the server as running.
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("start server: %w", err)
		}
	case <-time.After(100 * time.Millisecond):
	}
	e.log.Info("server_listening", slog.String("addr", e.cfg.Server.Addr))
	return nil
}

func (e *Engine) stop(ctx context.Context) error {
	var errs []error
	if err := e.server.Shutdown(ctx); err != nil {
		e.log.Warn("server_shutdown_failed", slog.String("error", err.Error()))
		errs = append(errs, err)
	}
	if err := e.Close(); err != nil {
		e.log.Warn("observer_flush_failed", slog.String("error", err.Error()))
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close drains the metrics queue and flushes every observer that buffers.
func (e *Engine) Close() error {
	errs := []error{e.async.Close()}
	for _, c := range e.closers {
		errs = append(errs, c())
	}
	e.closers = nil
	return errors.Join(errs...)
}

// SessionConfig is the configuration a new session starts from: the
// assistant defaults overlaid with the stored preferences.
func (e *Engine) SessionConfig(p preferences.Preferences) turn.Config {
	cfg := e.cfg.Assistant.TurnConfig()
	cfg.Language = configutil.StringValue(p.Language, cfg.Language)
	cfg.Voice.Name = configutil.StringValue(p.Voice, cfg.Voice.Name)
	cfg.Voice.Rate = configutil.StringValue(p.Rate, cfg.Voice.Rate)
	cfg.Voice.Pitch = configutil.StringValue(p.Pitch, cfg.Voice.Pitch)

	creds := make(map[string]string)
	vendors := e.cfg.Vendors
	if e.providers.NeedsKey("stt", vendors.STT.Provider) {
		creds[CredentialSTT] = configutil.StringValue(p.STTKey, settingsKey(vendors.STT.Settings))
	}
	if e.providers.NeedsKey("llm", vendors.LLM.Provider) {
		creds[CredentialLLM] = configutil.StringValue(p.LLMKey, settingsKey(vendors.LLM.Settings))
	}
	if e.providers.NeedsKey("tts", vendors.TTS.Provider) {
		creds[CredentialTTS] = configutil.StringValue(p.TTSKey, settingsKey(vendors.TTS.Settings))
	}
	cfg.Credentials = creds
	return cfg
}

// clients returns the builder sessions use to create their service clients.
func (e *Engine) clients(region string) turn.ClientBuilder {
	return turn.ClientBuilderFunc(func(cfg turn.Config) (turn.Clients, error) {
		vendors := e.cfg.Vendors
		transcriber, err := e.providers.BuildSTT(vendors.STT.Provider, VendorRequest{
			Settings: vendors.STT.Settings,
			APIKey:   cfg.Credentials[CredentialSTT],
			Session:  cfg,
		})
		if err != nil {
			return turn.Clients{}, err
		}
		dialogue, err := e.providers.BuildLLM(vendors.LLM.Provider, VendorRequest{
			Settings: vendors.LLM.Settings,
			APIKey:   cfg.Credentials[CredentialLLM],
			Session:  cfg,
		})
		if err != nil {
			return turn.Clients{}, err
		}
		resilient := llm.NewResilientAdapter(dialogue, e.breaker, e.retry)
		resilient.SetObserver(e.obs)
		synthesizer, err := e.providers.BuildTTS(vendors.TTS.Provider, VendorRequest{
			Settings: vendors.TTS.Settings,
			APIKey:   cfg.Credentials[CredentialTTS],
			Region:   region,
			Session:  cfg,
		})
		if err != nil {
			return turn.Clients{}, err
		}
		return turn.Clients{Transcriber: transcriber, Dialogue: resilient, Synthesizer: synthesizer}, nil
	})
}

// Chat runs one stateless exchange for the chat relay.
func (e *Engine) Chat(ctx context.Context, audio stt.Audio, history []llm.Message, language string) (turn.Result, error) {
	p := e.prefs.Get()
	cfg := e.SessionConfig(p)
	if lang := strings.TrimSpace(language); lang != "" {
		cfg.Language = lang
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return turn.Result{}, err
	}
	clients, err := e.clients(p.TTSRegion).Build(cfg)
	if err != nil {
		return turn.Result{}, err
	}
	id := "chat-" + uuid.NewString()
	pipeline, err := turn.NewPipeline(clients, cfg, e.obs, id)
	if err != nil {
		return turn.Result{}, err
	}
	e.record(metrics.EventSessionStart, id, nil)
	res, err := pipeline.Run(ctx, audio, history)
	e.record(metrics.EventSessionEnd, id, map[string]any{"status": status(err)})
	return res, err
}

// newSession binds a turn controller to a freshly connected browser.
func (e *Engine) newSession(_ context.Context, s *browser.Session) (browser.Binding, error) {
	if _, err := e.sessions.Add(s.ID(), s); err != nil {
		return browser.Binding{}, err
	}
	p := e.prefs.Get()
	base := e.SessionConfig(p)

	var capture turn.Capture = s
	var sink browser.AudioSink
	rec, err := BuildRecognizer(e.cfg.Recognizer, s.ID(), configutil.StringValue(base.Language, turn.DefaultLanguage))
	if err != nil {
		e.sessions.Remove(s.ID())
		return browser.Binding{}, err
	}
	if rec != nil {
		capture = rec
		sink = rec
	}

	ctrl, err := turn.New(turn.Options{
		SessionID: s.ID(),
		Capture:   capture,
		Player:    s,
		Builder:   e.clients(p.TTSRegion),
		Metrics:   e.obs,
		Logger:    e.base,
	})
	if err != nil {
		e.sessions.Remove(s.ID())
		return browser.Binding{}, err
	}
	started := time.Now()
	e.record(metrics.EventSessionStart, s.ID(), map[string]any{"stream": rec != nil})
	return browser.Binding{
		Controller: ctrl,
		Config:     base,
		Sink:       sink,
		Release: func() {
			e.record(metrics.EventSessionEnd, s.ID(), map[string]any{
				"duration_ms": metrics.Since(started),
				"turns":       len(ctrl.History()),
			})
			e.sessions.Remove(s.ID())
		},
	}, nil
}

func (e *Engine) record(name, sessionID string, fields map[string]any) {
	e.obs.RecordEvent(metrics.MetricsEvent{
		Name:   name,
		Time:   time.Now(),
		Tags:   map[string]string{"session_id": sessionID, "component": "tutor"},
		Fields: fields,
	})
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
