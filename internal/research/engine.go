package research

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mohammad-safakhou/delver/config"
	"github.com/mohammad-safakhou/delver/internal/budget"
	"github.com/mohammad-safakhou/delver/internal/llm"
	"github.com/mohammad-safakhou/delver/internal/search"
	"github.com/mohammad-safakhou/delver/internal/telemetry"
	"github.com/mohammad-safakhou/delver/internal/tools"
)

// Session is the persisted shape of one research run.
type Session struct {
	ID         string        `json:"id"`
	Question   string        `json:"question"`
	Brief      Brief         `json:"brief"`
	Transcript []llm.Message `json:"transcript"`
	Findings   []Findings    `json:"findings"`
	Report     *Report       `json:"report,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Store persists finished sessions. Persistence is optional; the engine
// works without one.
type Store interface {
	SaveSession(ctx context.Context, sess Session) error
}

// Engine assembles the full pipeline and runs research requests end to end.
type Engine struct {
	cfg *config.Config

	supervisorAdapter *llm.Adapter
	workerAdapter     *llm.Adapter
	synthesisAdapter  *llm.Adapter

	provider         search.Provider
	summarizeAdapter *llm.Adapter
	fetcher          search.Fetcher
	cache            search.SummaryCache

	searcher tools.Searcher // overrides the built search pipeline when set

	telemetry *telemetry.Telemetry
	store     Store
	logger    *log.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithStore attaches a session store.
func WithStore(st Store) EngineOption { return func(e *Engine) { e.store = st } }

// NewEngine builds an engine from configuration.
func NewEngine(cfg *config.Config, opts ...EngineOption) (*Engine, error) {
	tel := telemetry.NewTelemetry(cfg.Telemetry)

	adapterOpts := []llm.Option{
		llm.WithStructuredRetries(cfg.Research.MaxStructuredRetries),
		llm.WithTransportRetries(cfg.Research.MaxTransportRetries),
		llm.WithUsageRecorder(tel),
	}
	supervisor, err := llm.NewAdapterFromConfig(cfg, cfg.LLM.Routing.Model(cfg.LLM.Routing.Supervisor), adapterOpts...)
	if err != nil {
		return nil, fmt.Errorf("supervisor model: %w", err)
	}
	worker, err := llm.NewAdapterFromConfig(cfg, cfg.LLM.Routing.Model(cfg.LLM.Routing.Worker), adapterOpts...)
	if err != nil {
		return nil, fmt.Errorf("worker model: %w", err)
	}
	summarization, err := llm.NewAdapterFromConfig(cfg, cfg.LLM.Routing.Model(cfg.LLM.Routing.Summarization), adapterOpts...)
	if err != nil {
		return nil, fmt.Errorf("summarization model: %w", err)
	}
	synthesis, err := llm.NewAdapterFromConfig(cfg, cfg.LLM.Routing.Model(cfg.LLM.Routing.FinalReport), adapterOpts...)
	if err != nil {
		return nil, fmt.Errorf("final report model: %w", err)
	}

	e := &Engine{
		cfg:               cfg,
		supervisorAdapter: supervisor,
		workerAdapter:     worker,
		synthesisAdapter:  synthesis,
		provider:          search.NewSearxNG(cfg.Search.Endpoint, cfg.Search.Timeout),
		summarizeAdapter:  summarization,
		cache:             search.NopCache{},
		telemetry:         tel,
		logger:            log.New(log.Writer(), "[ENGINE] ", log.LstdFlags),
	}
	if cfg.Search.FetchPages {
		switch cfg.Search.Fetcher {
		case "chromedp":
			e.fetcher = search.NewChromedpFetcher(cfg.Search.Timeout)
		default:
			e.fetcher = search.NewHTTPFetcher(cfg.Search.Timeout)
		}
	}
	if cfg.Search.RedisAddr != "" {
		e.cache = search.NewRedisCache(cfg.Search.RedisAddr, cfg.Search.RedisPassword, cfg.Search.RedisDB, cfg.Search.CacheTTL)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// NewEngineWithComponents wires an engine from pre-built adapters and a
// search implementation, for embedders that manage their own backends.
func NewEngineWithComponents(cfg *config.Config, supervisor, worker, synthesis *llm.Adapter, searcher tools.Searcher, opts ...EngineOption) *Engine {
	e := &Engine{
		cfg:               cfg,
		supervisorAdapter: supervisor,
		workerAdapter:     worker,
		synthesisAdapter:  synthesis,
		searcher:          searcher,
		cache:             search.NopCache{},
		telemetry:         telemetry.NewTelemetry(cfg.Telemetry),
		logger:            log.New(log.Writer(), "[ENGINE] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// sessionUsage fans per-call usage out to process telemetry and the session's
// budget monitor.
type sessionUsage struct {
	telemetry *telemetry.Telemetry
	monitor   *budget.Monitor
	logger    *log.Logger
}

func (u *sessionUsage) RecordLLMUsage(model string, promptTokens, completionTokens int64, costUSD float64) {
	u.telemetry.RecordLLMUsage(model, promptTokens, completionTokens, costUSD)
	if err := u.monitor.AddUsage(costUSD, promptTokens+completionTokens); err != nil {
		u.logger.Printf("session budget: %v", err)
	}
}

// newSearchService builds a per-session search pipeline with a fresh
// evidence index, reporting summarization usage to rec.
func (e *Engine) newSearchService(rec llm.UsageRecorder) *search.Service {
	opts := []search.ServiceOption{
		search.WithCache(e.cache),
		search.WithConcurrency(e.cfg.Search.Concurrency),
		search.WithMaxContent(e.cfg.Search.MaxContentLength),
	}
	if e.summarizeAdapter != nil {
		opts = append(opts, search.WithSummarizer(search.NewSummarizer(e.summarizeAdapter.WithRecorder(rec))))
	}
	if e.fetcher != nil {
		opts = append(opts, search.WithFetcher(e.fetcher))
	}
	if index, err := search.NewEvidenceIndex(); err == nil {
		opts = append(opts, search.WithIndex(index))
	} else {
		e.logger.Printf("evidence index unavailable: %v", err)
	}
	return search.NewService(e.provider, opts...)
}

// Research runs one request end to end: clarify (optional), brief, the
// supervisor loop, and synthesis. Cancellation aborts everything and
// produces no report.
func (e *Engine) Research(ctx context.Context, question string) (Outcome, error) {
	sessionID := uuid.NewString()
	start := time.Now()
	e.telemetry.RecordSessionStart()

	ctx, span := e.telemetry.Tracer().Start(ctx, "research.session")
	span.SetAttributes(
		attribute.String("session.id", sessionID),
		attribute.Int("question.length", len(question)),
	)
	defer span.End()

	outcome, err := e.research(ctx, sessionID, question, start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.telemetry.RecordSessionEnd(false, time.Since(start))
		return Outcome{}, err
	}
	e.telemetry.RecordSessionEnd(true, time.Since(start))
	e.telemetry.LogSummary()
	return outcome, nil
}

func (e *Engine) research(ctx context.Context, sessionID, question string, start time.Time) (Outcome, error) {
	rc := e.cfg.Research

	limits := budget.Limits{
		MaxSupervisorIterations: rc.MaxSupervisorIterations,
		MaxWorkerIterations:     rc.MaxWorkerIterations,
		MaxTotalToolCalls:       rc.MaxTotalToolCalls,
		MaxWorkerToolCalls:      rc.MaxWorkerToolCalls,
	}
	if rc.MaxCostUSD > 0 {
		limits.MaxCost = &rc.MaxCostUSD
	}
	if rc.MaxTimeSeconds > 0 {
		limits.MaxTimeSeconds = &rc.MaxTimeSeconds
	}
	if err := limits.Validate(); err != nil {
		return Outcome{}, fmt.Errorf("research limits: %w", err)
	}
	monitor := budget.NewMonitor(limits)
	usage := &sessionUsage{telemetry: e.telemetry, monitor: monitor, logger: e.logger}
	supervisorAdapter := e.supervisorAdapter.WithRecorder(usage)
	workerAdapter := e.workerAdapter.WithRecorder(usage)
	synthesisAdapter := e.synthesisAdapter.WithRecorder(usage)

	if rc.AllowClarification {
		need, clarifyingQ, err := Clarify(ctx, supervisorAdapter, question)
		if err != nil {
			return Outcome{}, err
		}
		if need {
			return Outcome{NeedsClarification: true, ClarifyingQuestion: clarifyingQ}, nil
		}
	}

	brief, err := MakeBrief(ctx, supervisorAdapter, question, rc.ResponseLanguage)
	if err != nil {
		return Outcome{}, err
	}

	searcher := e.searcher
	if searcher == nil {
		searcher = e.newSearchService(usage)
	}
	worker := NewWorker(workerAdapter,
		tools.WorkerRegistry(searcher, e.cfg.Search.MaxResultsPerQuery),
		WithKeepObservations(rc.KeepObservations),
		WithResponseReserve(rc.ResponseReserveTokens),
		WithWorkerTelemetry(e.telemetry),
	)
	supervisor := NewSupervisor(SupervisorConfig{
		Adapter:          supervisorAdapter,
		Registry:         tools.SupervisorRegistry(),
		Runner:           worker,
		Monitor:          monitor,
		MaxConcurrent:    rc.MaxConcurrentUnits,
		WorkerIterations: rc.MaxWorkerIterations,
		WorkerToolCalls:  rc.MaxWorkerToolCalls,
		Telemetry:        e.telemetry,
	})

	result, err := supervisor.Run(ctx, brief)
	if err != nil {
		return Outcome{}, err
	}

	markdown, sources, err := NewSynthesizer(synthesisAdapter).Synthesize(ctx, brief, result.Findings)
	if err != nil {
		return Outcome{}, err
	}

	cost, tokens, _ := monitor.Usage()
	report := &Report{
		Markdown: markdown,
		Sources:  sources,
		Meta: ReportMeta{
			SessionID:   sessionID,
			Termination: result.Termination,
			Truncated:   result.Termination != DoneByModel,
			Iterations:  result.Iterations,
			ToolCalls:   monitor.ToolCalls(),
			WorkersRun:  result.WorkersRun,
			CostUSD:     cost,
			Tokens:      tokens,
			Elapsed:     time.Since(start),
		},
	}

	if e.store != nil {
		// Raw notes are working material; only compressed findings persist.
		findings := make([]Findings, len(result.Findings))
		copy(findings, result.Findings)
		for i := range findings {
			findings[i].RawNotes = nil
		}
		sess := Session{
			ID:         sessionID,
			Question:   question,
			Brief:      brief,
			Transcript: result.Transcript,
			Findings:   findings,
			Report:     report,
			CreatedAt:  start,
		}
		if err := e.store.SaveSession(ctx, sess); err != nil {
			e.logger.Printf("persist session %s: %v", sessionID, err)
		}
	}
	return Outcome{Report: report}, nil
}
