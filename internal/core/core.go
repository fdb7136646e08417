// Package core assembles the system: bus, queue, registry, agents,
// generator, store, and one supervisor per project run.
package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/devpilot/devpilot/internal/agent"
	"github.com/devpilot/devpilot/internal/bus"
	"github.com/devpilot/devpilot/internal/config"
	"github.com/devpilot/devpilot/internal/queue"
	"github.com/devpilot/devpilot/internal/registry"
	"github.com/devpilot/devpilot/internal/state"
	"github.com/devpilot/devpilot/internal/supervisor"
	"github.com/devpilot/devpilot/internal/textgen"
	"github.com/devpilot/devpilot/internal/workflow"
	"github.com/devpilot/devpilot/pkg/models"
)

// ErrUnknownProject indicates an operation on a project this system is
// not running.
var ErrUnknownProject = errors.New("unknown project")

// ErrNoGenerator indicates no text generator could be configured.
var ErrNoGenerator = errors.New("no generator configured: set anthropic.api_key, enable bedrock, or pass a generator")

// Options configures a System. Zero fields fall back to the config.
type Options struct {
	// Config supplies tuning; nil uses defaults.
	Config *config.Config
	// Generator overrides the configured Anthropic client, typically
	// with a textgen.Stub for tests and dry runs.
	Generator textgen.Generator
	// Store overrides the configured SQLite store.
	Store state.ContextStore
	// Registerer receives bus metrics. Nil registers nothing.
	Registerer prometheus.Registerer
}

// System owns the shared infrastructure and the running projects.
type System struct {
	cfg      *config.Config
	bus      bus.Bus
	queue    *queue.TaskQueue
	registry *registry.AgentRegistry
	gen      textgen.Generator
	store    state.ContextStore
	ownStore bool
	agents   []agent.Runner
	stop     context.CancelFunc

	mu   sync.Mutex
	runs map[string]*supervisor.Supervisor
}

// New builds a system from options and starts one agent per capability.
func New(opts Options) (*System, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}

	var metrics *bus.Metrics
	if opts.Registerer != nil {
		metrics = bus.NewMetrics(opts.Registerer)
	}

	store := opts.Store
	ownStore := false
	if store == nil && cfg.State.DBPath != "" {
		db, err := state.Open(cfg.State.DBPath)
		if err != nil {
			return nil, fmt.Errorf("core: %w", err)
		}
		if err := db.Migrate(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("core: %w", err)
		}
		store = db
		ownStore = true
	}
	closeStore := func() {
		if ownStore && store != nil {
			_ = store.Close()
		}
	}

	var b bus.Bus
	if cfg.NATS.URL != "" {
		nb, err := bus.NewNATSBus(bus.NATSOptions{URL: cfg.NATS.URL, Metrics: metrics})
		if err != nil {
			closeStore()
			return nil, fmt.Errorf("core: %w", err)
		}
		b = nb
	} else {
		busOpts := bus.DefaultOptions()
		if cfg.Bus.MaxPending > 0 {
			busOpts.MaxPending = cfg.Bus.MaxPending
		}
		if cfg.Bus.MaxRedeliveries > 0 {
			busOpts.MaxRedeliveries = cfg.Bus.MaxRedeliveries
		}
		if cfg.Bus.DeliveryWindow > 0 {
			busOpts.DeliveryWindow = cfg.Bus.DeliveryWindow
		}
		if cfg.Bus.HistoryLimit > 0 {
			busOpts.HistoryLimit = cfg.Bus.HistoryLimit
		}
		busOpts.Metrics = metrics
		if dls, ok := store.(bus.DeadLetterStore); ok {
			busOpts.DeadLetterStore = dls
		}
		b = bus.NewMemoryBus(busOpts)
	}

	gen := opts.Generator
	if gen == nil {
		if cfg.Anthropic.APIKey == "" && !cfg.Anthropic.UseBedrock {
			_ = b.Close()
			closeStore()
			return nil, ErrNoGenerator
		}
		client, err := textgen.NewAnthropicClient(textgen.ClientConfig{
			Model:         anthropic.Model(cfg.Anthropic.Model),
			APIKey:        cfg.Anthropic.APIKey,
			UseAWSBedrock: cfg.Anthropic.UseBedrock,
			AWSRegion:     cfg.Anthropic.AWSRegion,
			AWSProfile:    cfg.Anthropic.AWSProfile,
		})
		if err != nil {
			_ = b.Close()
			closeStore()
			return nil, fmt.Errorf("core: %w", err)
		}
		gen = client
	}

	s := &System{
		cfg:      cfg,
		bus:      b,
		queue:    queue.NewTaskQueue(),
		registry: registry.NewAgentRegistry(),
		gen:      gen,
		store:    store,
		ownStore: ownStore,
		runs:     make(map[string]*supervisor.Supervisor),
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	for _, spec := range agent.AllSpecs() {
		a := agent.New(agent.Config{
			ID:        string(spec.Capability) + "-1",
			Spec:      spec,
			Registry:  s.registry,
			Bus:       s.bus,
			Queue:     s.queue,
			Generator: s.gen,
		})
		if err := a.Start(ctx); err != nil {
			cancel()
			_ = s.Close()
			return nil, fmt.Errorf("core: %w", err)
		}
		s.agents = append(s.agents, a)
	}
	return s, nil
}

// StartProject creates a new project run. Run drives it to completion.
func (s *System) StartProject(name, requirements string) (*supervisor.Supervisor, error) {
	prefix := slugify(name)
	projectID := fmt.Sprintf("%s-%s", prefix, uuid.New().String()[:8])

	engine, err := workflow.NewSDLCPlan(projectID, prefix, s.cfg.Workflow.Checkpoints)
	if err != nil {
		return nil, fmt.Errorf("start project %s: %w", projectID, err)
	}
	for _, task := range engine.Tasks() {
		task.MaxRetries = s.cfg.Queue.MaxRetries
	}

	pc := models.NewProjectContext(projectID, name, requirements)
	return s.register(pc, engine, 0)
}

// Resume rebuilds a project run from its last snapshot. Blocked and
// awaiting-approval projects restart in the running state.
func (s *System) Resume(projectID string) (*supervisor.Supervisor, error) {
	if s.store == nil {
		return nil, fmt.Errorf("resume %s: no store configured", projectID)
	}
	snap, err := s.store.Load(projectID)
	if err != nil {
		return nil, fmt.Errorf("resume %s: %w", projectID, err)
	}
	if snap.Context.Status == models.ProjectCompleted || snap.Context.Status == models.ProjectCancelled {
		return nil, fmt.Errorf("resume %s: project is %s", projectID, snap.Context.Status)
	}

	prefix := projectID
	if i := strings.LastIndex(projectID, "-"); i > 0 {
		prefix = projectID[:i]
	}
	engine, err := workflow.Restore(projectID, prefix, snap.Tasks)
	if err != nil {
		return nil, fmt.Errorf("resume %s: %w", projectID, err)
	}

	// The on-disk version must be captured before the context mutates,
	// or the first persisted snapshot of the resumed run would conflict.
	storedVersion := snap.Context.Version
	snap.Context.SetPending(nil)
	snap.Context.SetStatus(models.ProjectRunning)
	return s.register(snap.Context, engine, storedVersion)
}

func (s *System) register(pc *models.ProjectContext, engine *workflow.Engine, storedVersion int) (*supervisor.Supervisor, error) {
	sup, err := supervisor.New(supervisor.Config{
		Context:        pc,
		Engine:         engine,
		Bus:            s.bus,
		Queue:          s.queue,
		Registry:       s.registry,
		Store:          s.store,
		StoredVersion:  storedVersion,
		MaxRetries:     s.cfg.Supervisor.MaxRetries,
		BackoffBase:    s.cfg.Supervisor.BackoffBase,
		BackoffMax:     s.cfg.Supervisor.BackoffMax,
		AgentTimeout:   s.cfg.Supervisor.AgentTimeout,
		CapabilityWait: s.cfg.Supervisor.CapabilityWait,
	})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if prev, ok := s.runs[pc.ProjectID]; ok {
		_ = prev.Close()
	}
	s.runs[pc.ProjectID] = sup
	s.mu.Unlock()
	return sup, nil
}

// Supervisor returns the live supervisor for a project.
func (s *System) Supervisor(projectID string) (*supervisor.Supervisor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sup, ok := s.runs[projectID]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrUnknownProject)
	}
	return sup, nil
}

// Approve resolves the pending checkpoint of a running project.
func (s *System) Approve(ctx context.Context, projectID, checkpointID string) error {
	sup, err := s.Supervisor(projectID)
	if err != nil {
		return err
	}
	return sup.Approve(ctx, checkpointID)
}

// Reject resolves the pending checkpoint of a running project negatively.
func (s *System) Reject(ctx context.Context, projectID, checkpointID, feedback string) error {
	sup, err := s.Supervisor(projectID)
	if err != nil {
		return err
	}
	return sup.Reject(ctx, checkpointID, feedback)
}

// Cancel stops a running project.
func (s *System) Cancel(ctx context.Context, projectID string) error {
	sup, err := s.Supervisor(projectID)
	if err != nil {
		return err
	}
	return sup.Cancel(ctx)
}

// Status returns the context and tasks of a project, live or stored.
func (s *System) Status(projectID string) (*models.ProjectContext, []*models.Task, error) {
	s.mu.Lock()
	sup, ok := s.runs[projectID]
	s.mu.Unlock()
	if ok {
		return sup.Context(), sup.Tasks(), nil
	}
	if s.store == nil {
		return nil, nil, fmt.Errorf("project %s: %w", projectID, ErrUnknownProject)
	}
	snap, err := s.store.Load(projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("project %s: %w", projectID, err)
	}
	return snap.Context, snap.Tasks, nil
}

// Projects lists stored projects.
func (s *System) Projects() ([]state.ProjectSummary, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.List()
}

// Agents returns every registered agent record.
func (s *System) Agents() []models.Agent {
	return s.registry.All()
}

// Events subscribes to the lifecycle events of a project.
func (s *System) Events(projectID, subscriberID string) (*bus.Subscription, error) {
	return s.bus.Subscribe(supervisor.EventsTopic(projectID), subscriberID)
}

// History returns recent bus traffic, when the in-process bus is in use.
func (s *System) History(sender string, kind models.MessageKind, limit int) ([]models.Message, error) {
	mb, ok := s.bus.(*bus.MemoryBus)
	if !ok {
		return nil, errors.New("history requires the in-process bus")
	}
	return mb.History(sender, kind, limit), nil
}

// DeadLetters returns messages the bus gave up delivering.
func (s *System) DeadLetters() ([]bus.DeadLetter, error) {
	mb, ok := s.bus.(*bus.MemoryBus)
	if !ok {
		return nil, errors.New("dead letters require the in-process bus")
	}
	return mb.DeadLetters(), nil
}

// Replay republishes a dead-lettered message.
func (s *System) Replay(ctx context.Context, messageID string) error {
	mb, ok := s.bus.(*bus.MemoryBus)
	if !ok {
		return errors.New("replay requires the in-process bus")
	}
	return mb.Replay(ctx, messageID)
}

// Generator exposes the configured generator, for usage reporting.
func (s *System) Generator() textgen.Generator {
	return s.gen
}

// Close shuts the system down: agents first, then supervisors, bus,
// and store.
func (s *System) Close() error {
	if s.stop != nil {
		s.stop()
	}
	for _, a := range s.agents {
		a.Stop()
	}
	s.mu.Lock()
	for _, sup := range s.runs {
		_ = sup.Close()
	}
	s.mu.Unlock()
	err := s.bus.Close()
	if s.ownStore && s.store != nil {
		if cerr := s.store.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// slugify reduces a project name to a short task-ID prefix.
func slugify(name string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			sb.WriteRune('-')
		}
	}
	slug := strings.Trim(sb.String(), "-")
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}
	if slug == "" {
		slug = "project"
	}
	if len(slug) > 16 {
		slug = strings.Trim(slug[:16], "-")
	}
	return slug
}
