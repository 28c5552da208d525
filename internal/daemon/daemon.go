// Package daemon wires the contextd process: the session store, the window
// manager and its sweep loop, the dispatch queue and workers, the ingest
// channels and the ops HTTP API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/nous-labs/contextd/internal/channel/matrix"
	"github.com/nous-labs/contextd/internal/llm"
	"github.com/nous-labs/contextd/internal/metrics"
	"github.com/nous-labs/contextd/internal/tools"
	"github.com/nous-labs/contextd/pkg/action"
	"github.com/nous-labs/contextd/pkg/analysis"
	"github.com/nous-labs/contextd/pkg/channel"
	"github.com/nous-labs/contextd/pkg/events"
	"github.com/nous-labs/contextd/pkg/queue"
	"github.com/nous-labs/contextd/pkg/session"
	"github.com/nous-labs/contextd/pkg/store"
	"github.com/nous-labs/contextd/pkg/window"
	"github.com/nous-labs/contextd/pkg/worker"
)

// Daemon is the main contextd process.
type Daemon struct {
	config   *Config
	store    *store.Store
	events   *events.Bus
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	manager *window.Manager
	queue   *queue.Queue
	pool    *worker.Pool

	// Ingest channels; nil when not configured.
	matrix *matrix.Channel

	startedAt time.Time
	healthy   atomic.Bool
}

// OpenStore opens the session store named by cfg.
func OpenStore(ctx context.Context, cfg *Config) (*store.Store, error) {
	return store.Open(ctx, store.Options{
		Driver:       store.Driver(cfg.Store.Driver),
		Path:         cfg.Store.Path,
		DSN:          cfg.Store.DSN,
		MaxOpenConns: cfg.Store.MaxOpenConns,
	})
}

// New opens the store and builds every component. The caller must Close
// the daemon.
func New(ctx context.Context, cfg *Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	st, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	d, err := build(st, cfg)
	if err != nil {
		st.Close()
		return nil, err
	}
	return d, nil
}

func build(st *store.Store, cfg *Config) (*Daemon, error) {
	d := &Daemon{
		config:    cfg,
		store:     st,
		events:    events.NewBus(200),
		registry:  prometheus.NewRegistry(),
		startedAt: time.Now(),
	}
	d.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m, err := metrics.New(d.registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	d.metrics = m

	windowCfg, _ := cfg.WindowSettings()
	queueCfg, _ := cfg.QueueSettings()
	workerCfg, _ := cfg.WorkerSettings()
	actionCfg, _ := cfg.ActionSettings()

	// Queue
	d.queue, err = queue.New(st, queueCfg, queue.Hooks{
		OnEvent: d.events.Emit,
		OnRetry: func(job *session.Job, delay time.Duration) {
			d.metrics.Retry()
		},
		OnDeadLetter: func(dl *session.DeadLetter) {
			d.metrics.DeadLetter()
		},
	})
	if err != nil {
		return nil, err
	}

	// Window manager
	d.manager, err = window.NewManager(st, windowCfg, window.Hooks{
		OnEvent:  d.events.Emit,
		OnClosed: func(string) { d.queue.Notify() },
		OnReport: d.onSweep,
	})
	if err != nil {
		return nil, err
	}

	// Analysis
	creds, err := llm.LoadCredentials(cfg.CredentialsPath)
	if err != nil {
		slog.Warn("failed to load credentials, using config keys only", "path", cfg.CredentialsPath, "error", err)
		creds = nil
	}
	chain := llm.NewChain(
		newProvider(cfg.LLM.Primary, creds, "primary"),
		newProvider(cfg.LLM.Fallback, creds, "fallback"),
	)
	if chain.Len() == 0 {
		slog.Warn("no llm provider configured; closed contexts will dead-letter")
	}
	analyzer := &llm.Analyzer{
		Provider:    chain,
		System:      analysis.SystemPrompt(cfg.Analysis.Owner, cfg.Analysis.FallbackRecipient),
		MaxTokens:   cfg.Analysis.MaxTokens,
		Temperature: cfg.Analysis.Temperature,
	}
	normalizer := analysis.NewNormalizer(analysis.Defaults{
		Recipient:  cfg.Analysis.FallbackRecipient,
		BodyPrefix: cfg.Analysis.BodyPrefix,
	})

	// Collaborators. Interfaces stay nil when a collaborator is not
	// configured so the dispatcher fails those records permanently.
	var tracker action.TaskTracker
	if cfg.Todoist.Token != "" {
		tracker = tools.NewTodoist(tools.TodoistOptions{
			BaseURL:   cfg.Todoist.BaseURL,
			Token:     cfg.Todoist.Token,
			DueString: cfg.Todoist.DueString,
			Priority:  cfg.Todoist.Priority,
			ProjectID: cfg.Todoist.ProjectID,
			Timeout:   actionCfg.Timeout,
		})
		slog.Info("task tracker configured", "tracker", "todoist")
	}
	var mailer action.Mailer
	if cfg.SMTP.Host != "" {
		sm, err := tools.NewSMTPMailer(tools.SMTPOptions{
			Host:               cfg.SMTP.Host,
			Port:               cfg.SMTP.Port,
			Username:           cfg.SMTP.Username,
			Password:           cfg.SMTP.Password,
			From:               cfg.SMTP.From,
			DraftTo:            cfg.SMTP.DraftTo,
			Timeout:            actionCfg.Timeout,
			InsecureSkipVerify: cfg.SMTP.InsecureSkipVerify,
		})
		if err != nil {
			return nil, err
		}
		mailer = sm
		slog.Info("mailer configured", "host", cfg.SMTP.Host, "draft_to", cfg.SMTP.DraftTo)
	}

	dispatcher, err := action.NewDispatcher(tracker, mailer, st, actionCfg)
	if err != nil {
		return nil, err
	}
	dispatcher.OnOutcome = d.metrics.Action

	// Workers
	d.pool, err = worker.NewPool(st, d.queue, analyzer, normalizer, dispatcher, workerCfg, worker.Hooks{
		OnEvent:    d.events.Emit,
		OnAnalysis: d.metrics.Analysis,
		OnResult:   d.metrics.Job,
	})
	if err != nil {
		return nil, err
	}

	// Matrix ingest
	if cfg.Matrix.Enabled {
		d.matrix, err = matrix.New(matrix.Config{
			Homeserver: cfg.Matrix.Homeserver,
			UserID:     cfg.Matrix.UserID,
			Password:   cfg.Matrix.Password,
			ServerName: cfg.Matrix.ServerName,
			DataDir:    cfg.Matrix.DataDir,
			Filter: channel.Filter{
				AllowedSenders: cfg.Matrix.AllowedUsers,
				AllowedRooms:   cfg.Matrix.AllowedRooms,
				IgnoredSenders: cfg.Matrix.IgnoredUsers,
			},
		})
		if err != nil {
			return nil, err
		}
	}
	return d, nil
}

// newProvider builds one LLM provider, or nil when pc names none.
func newProvider(pc ProviderConfig, creds *llm.Credentials, role string) llm.Provider {
	if pc.Provider == "" {
		return nil
	}
	timeout, err := time.ParseDuration(pc.Timeout)
	if err != nil && pc.Timeout != "" {
		slog.Warn("invalid llm timeout, using default", "role", role, "timeout", pc.Timeout)
	}
	key := creds.Resolve(pc.Provider, pc.APIKey)
	if key == "" {
		slog.Warn("llm provider has no api key, skipping", "role", role, "provider", pc.Provider)
		return nil
	}

	var p llm.Provider
	switch pc.Provider {
	case "anthropic":
		p = llm.NewAnthropic(llm.AnthropicOptions{
			APIKey:  key,
			Model:   pc.Model,
			BaseURL: pc.BaseURL,
			Timeout: timeout,
		})
	case "openai":
		p = llm.NewOpenAI("openai", pc.BaseURL, key, pc.Model, timeout)
	default:
		// Anything else is treated as an OpenAI-compatible endpoint.
		if pc.BaseURL == "" {
			slog.Warn("unknown llm provider without base_url, skipping", "role", role, "provider", pc.Provider)
			return nil
		}
		p = llm.NewOpenAI(pc.Provider, pc.BaseURL, key, pc.Model, timeout)
	}
	slog.Info("LLM provider configured", "role", role, "provider", pc.Provider, "model", pc.Model)
	return p
}

var errInvalidMessage = errors.New("message needs a room and text")

// Ingest appends one inbound message to its conversation's open context.
func (d *Daemon) Ingest(ctx context.Context, msg channel.Message) error {
	if msg.RoomID == "" || strings.TrimSpace(msg.Text) == "" {
		d.metrics.Message("rejected")
		return errInvalidMessage
	}
	res, err := d.manager.Append(ctx, msg.Key(), msg.Session())
	switch {
	case err != nil:
		d.metrics.Message("error")
		return err
	case res.Duplicate:
		d.metrics.Message("duplicate")
	case res.Opened:
		d.metrics.Message("opened")
	default:
		d.metrics.Message("appended")
	}
	return nil
}

func (d *Daemon) onSweep(r *window.Report) {
	d.metrics.Sweep(r)
	if r.Closed > 0 || r.Discarded > 0 {
		d.events.Emit(events.TypeSweep, fmt.Sprintf("cycle %d closed %d, discarded %d", r.Cycle, r.Closed, r.Discarded))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Only OPEN contexts; closed ones waiting on a worker are counted by
	// the queue depth.
	if st, err := d.store.Stats(ctx); err == nil {
		d.metrics.OpenContexts(st.Open)
	} else {
		slog.Warn("open context count failed", "error", err)
	}
}

// Run starts the sweep loop, the workers, the ingest channels and the HTTP
// API. Blocks until ctx is cancelled or a component fails; in-flight jobs
// get the configured grace to finish.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("contextd running",
		"name", d.config.Name,
		"store", d.store.Driver(),
		"http", d.config.HTTPAddr,
		"matrix", d.matrix != nil,
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		d.manager.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return d.pool.Run(ctx)
	})
	if d.matrix != nil {
		g.Go(func() error {
			slog.Info("starting matrix channel")
			if err := d.matrix.Start(ctx, d.Ingest); err != nil && ctx.Err() == nil {
				return fmt.Errorf("matrix channel fatal error: %w", err)
			}
			return nil
		})
	}
	if d.config.HTTPAddr != "" {
		g.Go(func() error {
			return d.serveHTTP(ctx)
		})
	}

	d.healthy.Store(true)
	err := g.Wait()
	d.healthy.Store(false)
	if d.matrix != nil {
		d.matrix.Stop()
	}

	slog.Info("contextd shutting down")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the store.
func (d *Daemon) Close() error {
	return d.store.Close()
}

func (d *Daemon) serveHTTP(ctx context.Context) error {
	srv := &http.Server{
		Addr:              d.config.HTTPAddr,
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("API listening", "addr", d.config.HTTPAddr, "endpoints", endpoints)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
