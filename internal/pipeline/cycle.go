// Package pipeline is the cycle body: fetch the roster, fetch death
// histories for watched characters, classify what came back, persist it and
// queue the alerts. The scheduler decides when a cycle runs; this package
// decides what a cycle does.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"deathwatch/internal/classify"
	"deathwatch/internal/eventbus"
	"deathwatch/internal/model"
	"deathwatch/internal/notify"
	"deathwatch/internal/sched"
	"deathwatch/internal/source"
	"deathwatch/internal/store"
	"deathwatch/internal/transport"
	logx "deathwatch/pkg/logx"
)

// Source is the slice of the site client the pipeline consumes.
type Source interface {
	FetchRoster(ctx context.Context) ([]model.CharacterSnapshot, error)
	FetchDeaths(ctx context.Context, name string) ([]model.DeathEvent, error)
	FetchCharacter(ctx context.Context, name string) (model.CharacterSnapshot, error)
}

// Notifier is the queue surface rendered alerts go into.
type Notifier interface {
	Enqueue(n transport.Notification) error
	Flush(ctx context.Context) error
}

// SourceIssue is the payload of source.fetch_error and source.parse_error
// events.
type SourceIssue struct {
	Page  string
	Name  string
	Error string
}

// StoreIssue is the payload of store.error events.
type StoreIssue struct {
	Op    string
	Error string
}

// DeathRecord is the payload of pipeline.death events, one per classified
// death observation.
type DeathRecord struct {
	Victim  string
	Level   int
	Outcome string
}

// Config tunes the cycle.
type Config struct {
	// MinLevel is the roster upsert floor: online characters below it are
	// not persisted. Death histories of watched characters are fetched
	// regardless of level.
	MinLevel int
	// FetchConcurrency bounds the per-character death fetch fan-out.
	FetchConcurrency int
	// AlertChat receives enemy-kill alerts.
	AlertChat transport.ChatTarget
	// GeneralChat receives the periodic roster summary.
	GeneralChat transport.ChatTarget
	// PruneKeep is the per-character death retention for the prune job.
	PruneKeep int
}

// Deps are the pipeline's collaborators. Sender is optional; only the
// summary job uses it, everything else goes through Queue.
type Deps struct {
	Source     Source
	Store      store.Store
	Classifier *classify.Classifier
	Queue      Notifier
	Sender     transport.Adapter
	Bus        eventbus.Bus
}

type Pipeline struct {
	cfg    Config
	log    logx.Logger
	src    Source
	store  store.Store
	cls    *classify.Classifier
	queue  Notifier
	sender transport.Adapter
	bus    eventbus.Bus

	mu     sync.Mutex
	status sched.Status
}

func New(cfg Config, deps Deps, log logx.Logger) (*Pipeline, error) {
	switch {
	case deps.Source == nil:
		return nil, errors.New("pipeline: nil source")
	case deps.Store == nil:
		return nil, errors.New("pipeline: nil store")
	case deps.Classifier == nil:
		return nil, errors.New("pipeline: nil classifier")
	case deps.Queue == nil:
		return nil, errors.New("pipeline: nil notify queue")
	case deps.Bus == nil:
		return nil, errors.New("pipeline: nil event bus")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pipeline{
		cfg:    cfg,
		log:    log,
		src:    deps.Source,
		store:  deps.Store,
		cls:    deps.Classifier,
		queue:  deps.Queue,
		sender: deps.Sender,
		bus:    deps.Bus,
	}, nil
}

// SetStatus wires the scheduler's state gauge in after both sides exist
// (the loop needs RunCycle, RunCycle reports into the loop).
func (p *Pipeline) SetStatus(s sched.Status) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

func (p *Pipeline) enter(s sched.State) {
	p.mu.Lock()
	st := p.status
	p.mu.Unlock()
	if st != nil {
		st.Enter(s)
	}
}

// Apply swaps in the reload-safe tunables. The next cycle or job run picks
// them up; a cycle already in flight finishes on the old values.
func (p *Pipeline) Apply(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
}

func (p *Pipeline) config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// record pairs a novel death with its classification for the notify phase.
type record struct {
	ev      model.DeathEvent
	outcome classify.Outcome
}

// RunCycle is one full poll. A roster failure aborts the cycle (the next
// interval retries); failures for individual characters are reported and
// skipped so one broken page never starves the rest.
func (p *Pipeline) RunCycle(ctx context.Context) error {
	cfg := p.config()
	p.enter(sched.StateFetching)

	roster, err := p.src.FetchRoster(ctx)
	if err != nil {
		p.reportSourceError(ctx, err, "whoisonline", "")
		return fmt.Errorf("roster: %w", err)
	}

	online := make([]string, len(roster))
	upserts := 0
	for i, snap := range roster {
		online[i] = snap.Name
		if cfg.MinLevel > 0 && snap.Level < cfg.MinLevel {
			continue
		}
		if err := p.store.UpsertCharacter(ctx, snap); err != nil {
			p.reportStoreError(err)
			continue
		}
		upserts++
	}
	if _, err := p.store.MarkOffline(ctx, online); err != nil {
		p.reportStoreError(err)
	}

	watch, err := p.watchlist(ctx)
	if err != nil {
		p.reportStoreError(err)
		return fmt.Errorf("watchlist: %w", err)
	}

	deaths := p.collectDeaths(ctx, watch)
	if err := ctx.Err(); err != nil {
		return err
	}

	p.enter(sched.StateClassifying)
	// Oldest first so alerts leave the queue in the order people died.
	sort.Slice(deaths, func(i, j int) bool { return deaths[i].At.Before(deaths[j].At) })

	var fresh []record
	dups := 0
	for _, ev := range deaths {
		outcome, err := p.cls.Classify(ctx, ev, p.store.GetRole, p.store.HasSeen)
		if err != nil {
			p.reportStoreError(err)
			continue
		}
		p.bus.Publish(eventbus.Event{Type: "pipeline.death", Data: DeathRecord{
			Victim: ev.Victim, Level: ev.Level, Outcome: outcome.String(),
		}})
		if outcome == classify.OutcomeDuplicate {
			dups++
			continue
		}
		// Mark before queueing: a failure between the two costs one alert,
		// the other order would repeat it every cycle until the window ages
		// the death out.
		if err := p.store.MarkSeen(ctx, ev); err != nil {
			p.reportStoreError(err)
			continue
		}
		fresh = append(fresh, record{ev: ev, outcome: outcome})
	}

	p.enter(sched.StateNotifying)
	alerts := 0
	for _, r := range fresh {
		if r.outcome != classify.OutcomeEnemyKill {
			continue
		}
		err := p.queue.Enqueue(transport.Notification{
			Kind:    notify.KindDeathAlert,
			Target:  cfg.AlertChat,
			Text:    notify.DeathAlert(r.ev, p.cls.PlayerKillers(r.ev.Killers)),
			Options: notify.HTMLOptions(),
		})
		if err != nil {
			p.log.Warn("alert not queued", logx.String("victim", r.ev.Victim), logx.Err(err))
			continue
		}
		alerts++
	}
	if err := p.queue.Flush(ctx); err != nil {
		return fmt.Errorf("drain notifications: %w", err)
	}

	p.log.Info("cycle done",
		logx.Int("online", len(roster)),
		logx.Int("upserts", upserts),
		logx.Int("watched", len(watch)),
		logx.Int("deaths", len(deaths)),
		logx.Int("new", len(fresh)),
		logx.Int("duplicates", dups),
		logx.Int("alerts", alerts),
	)
	return nil
}

// watchlist is every character whose death history gets fetched: tracked
// victims plus enemies. Enemy histories feed the summary tables.
func (p *Pipeline) watchlist(ctx context.Context) ([]model.Character, error) {
	tracked, err := p.store.ListByRole(ctx, model.RoleTracked)
	if err != nil {
		return nil, err
	}
	enemies, err := p.store.ListByRole(ctx, model.RoleEnemy)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(tracked)+len(enemies))
	out := make([]model.Character, 0, len(tracked)+len(enemies))
	for _, c := range append(tracked, enemies...) {
		key := model.NormalizeName(c.Name)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}
	return out, nil
}

// collectDeaths fans per-character history fetches out to a bounded pool.
// Cancellation stops handing out names but lets in-flight fetches finish.
func (p *Pipeline) collectDeaths(ctx context.Context, watch []model.Character) []model.DeathEvent {
	if len(watch) == 0 {
		return nil
	}
	workers := p.config().FetchConcurrency
	if workers <= 0 {
		workers = 1
	}
	if workers > len(watch) {
		workers = len(watch)
	}

	// Shutdown must not yank a request mid-flight: fetches run on a detached
	// context and the client's own timeout bounds them. The feed loop below
	// is what reacts to cancellation.
	fetchCtx := context.WithoutCancel(ctx)

	names := make(chan string)
	var (
		mu     sync.Mutex
		deaths []model.DeathEvent
		wg     sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for name := range names {
				evs, err := p.src.FetchDeaths(fetchCtx, name)
				if err != nil {
					p.reportSourceError(ctx, err, "character", name)
					continue
				}
				mu.Lock()
				deaths = append(deaths, evs...)
				mu.Unlock()
			}
		}()
	}

feed:
	for _, c := range watch {
		select {
		case <-ctx.Done():
			break feed
		case names <- c.Name:
		}
	}
	close(names)
	wg.Wait()
	return deaths
}

// reportSourceError logs a page failure and feeds the error counters. Parse
// errors mean the site changed shape and need a human; fetch errors are
// transient and the next cycle retries them. Once ctx is done nothing is
// reported, failures during shutdown are noise.
func (p *Pipeline) reportSourceError(ctx context.Context, err error, page, name string) {
	if ctx.Err() != nil {
		return
	}
	issue := SourceIssue{Page: page, Name: name, Error: err.Error()}
	var pe *source.ParseError
	if errors.As(err, &pe) {
		p.log.Error("page did not parse",
			logx.String("page", page), logx.String("name", name), logx.Err(err))
		p.bus.Publish(eventbus.Event{Type: "source.parse_error", Data: issue})
		return
	}
	p.log.Warn("fetch failed",
		logx.String("page", page), logx.String("name", name), logx.Err(err))
	p.bus.Publish(eventbus.Event{Type: "source.fetch_error", Data: issue})
}

func (p *Pipeline) reportStoreError(err error) {
	op := ""
	var se *store.StoreError
	if errors.As(err, &se) {
		op = se.Op
	}
	p.log.Error("store operation failed", logx.String("op", op), logx.Err(err))
	p.bus.Publish(eventbus.Event{Type: "store.error", Data: StoreIssue{Op: op, Error: err.Error()}})
}
