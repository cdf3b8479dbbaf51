package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cloudwego/eino/schema"

	"motionforge/internal/config"
	"motionforge/internal/models"
	"motionforge/internal/relay"
	"motionforge/internal/service/ai"
)

var ErrDispatcherBusy = errors.New("dispatcher busy")

const (
	defaultGenerationTimeout = 10 * time.Minute
	persistTimeout           = 5 * time.Second
)

type JobType int

const (
	Generate JobType = iota
	Stop
)

func (t JobType) String() string {
	switch t {
	case Generate:
		return "generate"
	case Stop:
		return "stop"
	default:
		return "unknown"
	}
}

type Job struct {
	Type     JobType
	Generate *GenerateRequest
}

// GenerateRequest asks for one session's documents to be generated.
type GenerateRequest struct {
	SessionID string
	ClientKey string
	Provider  string
	Model     string
	Exhibits  []*models.Exhibit
}

type DispatcherConfig struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

// SessionStore is the part of the session service the pipeline writes to.
type SessionStore interface {
	Exhibits(ctx context.Context, sessionID string) ([]*models.Exhibit, error)
	SetStatus(ctx context.Context, sessionID string, status models.Status, errMsg string) error
	RecordOutputs(ctx context.Context, sessionID string, outputs []*models.OutputFile) error
}

type Preparer interface {
	Prepare(ctx context.Context, exhibits []*models.Exhibit) (models.CaseFile, error)
}

type Assembler interface {
	Assemble(ctx context.Context, sessionID, answer string) ([]*models.OutputFile, *models.DoneLinks, error)
}

type Researcher interface {
	StreamResearch(ctx context.Context, messages []*schema.Message, yield func(models.Chunk) error) error
}

// researcherFactory builds the upstream client for a provider/model; tests swap it.
var researcherFactory = func(ctx context.Context, cfg *config.Config, provider, model string, search ai.Searcher) (Researcher, error) {
	name, prov, err := cfg.Provider(provider)
	if err != nil {
		return nil, err
	}
	if model == "" && name == cfg.BasicConfig.DefaultProvider {
		model = cfg.BasicConfig.DefaultModel
	}
	chatModel, err := ai.NewChatModel(ctx, name, prov, model)
	if err != nil {
		return nil, err
	}
	return ai.NewResearcher(chatModel, search, cfg.BasicConfig.MaxToolRounds), nil
}

// Options wires the manager to the rest of the service.
type Options struct {
	Config    *config.Config
	Hub       *relay.Hub
	Store     SessionStore
	Preparer  Preparer
	Assembler Assembler
	Search    ai.Searcher
	Timeout   time.Duration
}

type Manager struct {
	cfg         *config.Config
	hub         *relay.Hub
	store       SessionStore
	docs        Preparer
	asm         Assembler
	search      ai.Searcher
	timeout     time.Duration
	dispatcher  *Dispatcher
	researchers *researcherCache
}

func NewManager(opts Options, dcfg DispatcherConfig) *Manager {
	if opts.Config == nil {
		opts.Config = &config.Config{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultGenerationTimeout
	}
	if dcfg.MaxWorkers <= 0 {
		dcfg.MaxWorkers = 1
	}
	if dcfg.QueueSize <= 0 {
		dcfg.QueueSize = 16
	}
	m := &Manager{
		cfg:         opts.Config,
		hub:         opts.Hub,
		store:       opts.Store,
		docs:        opts.Preparer,
		asm:         opts.Assembler,
		search:      opts.Search,
		timeout:     opts.Timeout,
		researchers: newResearcherCache(),
	}
	m.dispatcher = NewDispatcher(dcfg.MinWorkers, dcfg.MaxWorkers, dcfg.QueueSize, m, dcfg.IdleTimeout)
	return m
}

// Submit queues a generation job without blocking.
func (m *Manager) Submit(req GenerateRequest) error {
	if req.SessionID == "" {
		return errors.New("session id required")
	}
	r := req
	select {
	case m.dispatcher.JobQueue <- Job{Type: Generate, Generate: &r}:
		jobsTotal.WithLabelValues("submitted").Inc()
		debugLog("[worker] session %s queued for client %s", req.SessionID, r.ClientKey)
		return nil
	default:
		jobsTotal.WithLabelValues("rejected").Inc()
		return ErrDispatcherBusy
	}
}

// Pending reports jobs not yet picked up by a worker.
func (m *Manager) Pending() int {
	return m.dispatcher.Pending()
}

// ResetResearchers drops cached upstream clients so the next job rebuilds them.
func (m *Manager) ResetResearchers() {
	m.researchers.reset()
}

func (m *Manager) handleGenerate(req *GenerateRequest) {
	if req == nil {
		return
	}
	started := time.Now()
	defer func() { jobDuration.Observe(time.Since(started).Seconds()) }()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	ctx = ai.WithSession(ctx, req.SessionID)
	id := req.SessionID

	m.hub.Open(id)
	if err := m.store.SetStatus(ctx, id, models.StatusRunning, ""); err != nil {
		log.Printf("[worker] mark session %s running: %v", id, err)
	}
	m.status(id, "Reading exhibits...")

	exhibits := req.Exhibits
	if len(exhibits) == 0 {
		var err error
		if exhibits, err = m.store.Exhibits(ctx, id); err != nil {
			m.fail(id, fmt.Sprintf("Error reading PDF: %v", err))
			return
		}
	}
	caseFile, err := m.docs.Prepare(ctx, exhibits)
	if err != nil {
		m.fail(id, fmt.Sprintf("Error reading PDF: %v", err))
		return
	}
	d := caseFile.Defendant
	m.status(id, fmt.Sprintf("Analyzing case for %s (case %s, %s)...", d.Name, d.CaseNumber, d.District))

	researcher, err := m.researchers.get(ctx, req.Provider, req.Model, m.knownModel(req.Provider, req.Model), func(ctx context.Context) (Researcher, error) {
		return researcherFactory(ctx, m.cfg, req.Provider, req.Model, m.search)
	})
	if err != nil {
		m.fail(id, fmt.Sprintf("Generation error: %v", err))
		return
	}

	messages := ai.BuildMessages(caseFile)
	upstream := relay.UpstreamFunc(func(ctx context.Context, yield func(models.Chunk) error) error {
		return researcher.StreamResearch(ctx, messages, yield)
	})
	term, err := m.hub.Relay(ctx, id, upstream, func(ctx context.Context, answer string) (*models.DoneLinks, error) {
		m.status(id, "Generating legal documents...")
		outputs, links, err := m.asm.Assemble(ctx, id, answer)
		if err != nil {
			return nil, err
		}
		if err := m.store.RecordOutputs(ctx, id, outputs); err != nil {
			return nil, err
		}
		return links, nil
	})
	if err != nil {
		log.Printf("[worker] relay session %s: %v", id, err)
		return
	}
	m.persistTerminal(id, term)
}

// knownModel reports whether model is empty or one the config names for provider.
// Researchers for other client supplied models are not cached.
func (m *Manager) knownModel(provider, model string) bool {
	if model == "" {
		return true
	}
	name, prov, err := m.cfg.Provider(provider)
	if err != nil {
		return false
	}
	return model == prov.Model || (name == m.cfg.BasicConfig.DefaultProvider && model == m.cfg.BasicConfig.DefaultModel)
}

func (m *Manager) status(sessionID, text string) {
	if _, err := m.hub.Publish(sessionID, models.ThinkingEvent(text+"\n", models.PhaseStatus)); err != nil {
		debugLog("[worker] status for session %s dropped: %v", sessionID, err)
	}
}

func (m *Manager) fail(sessionID, message string) {
	term, err := m.hub.Fail(sessionID, message)
	if err != nil {
		log.Printf("[worker] fail session %s: %v", sessionID, err)
		term = models.ErrorEvent(message)
	}
	m.persistTerminal(sessionID, term)
}

// persistTerminal records the outcome with its own deadline since the job context may be spent.
func (m *Manager) persistTerminal(sessionID string, term models.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	status, msg := models.StatusDone, ""
	if term.Type == models.EventError {
		status, msg = models.StatusError, term.Message
	}
	jobsTotal.WithLabelValues(string(status)).Inc()
	if err := m.store.SetStatus(ctx, sessionID, status, msg); err != nil {
		log.Printf("[worker] persist session %s status %s: %v", sessionID, status, err)
	}
	debugLog("[worker] session %s finished: %s", sessionID, status)
}
