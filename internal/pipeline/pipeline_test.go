package pipeline

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"deathwatch/internal/classify"
	"deathwatch/internal/eventbus"
	"deathwatch/internal/model"
	"deathwatch/internal/notify"
	"deathwatch/internal/source"
	"deathwatch/internal/store"
	"deathwatch/internal/transport"
	"deathwatch/pkg/logx"
)

// fakeSource serves canned pages and records which death histories were
// fetched. gate, when set, blocks every FetchDeaths until closed;
// fetchStarted, when set, receives each name as its fetch begins.
type fakeSource struct {
	mu        sync.Mutex
	roster    []model.CharacterSnapshot
	rosterErr error
	deaths    map[string][]model.DeathEvent
	deathErr  map[string]error
	detail    map[string]model.CharacterSnapshot
	detailErr map[string]error
	fetched   []string

	gate         chan struct{}
	fetchStarted chan string
}

func (f *fakeSource) FetchRoster(context.Context) ([]model.CharacterSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rosterErr != nil {
		return nil, f.rosterErr
	}
	return append([]model.CharacterSnapshot(nil), f.roster...), nil
}

func (f *fakeSource) FetchDeaths(_ context.Context, name string) ([]model.DeathEvent, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, name)
	evs := append([]model.DeathEvent(nil), f.deaths[name]...)
	err := f.deathErr[name]
	gate, started := f.gate, f.fetchStarted
	f.mu.Unlock()

	if started != nil {
		started <- name
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return evs, nil
}

func (f *fakeSource) FetchCharacter(_ context.Context, name string) (model.CharacterSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.detailErr[name]; err != nil {
		return model.CharacterSnapshot{}, err
	}
	snap, ok := f.detail[name]
	if !ok {
		return model.CharacterSnapshot{}, &source.ParseError{Page: "character", Reason: "no such character"}
	}
	return snap, nil
}

func (f *fakeSource) setRoster(snaps []model.CharacterSnapshot, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roster, f.rosterErr = snaps, err
}

func (f *fakeSource) fetchedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetched...)
}

// fakeQueue accepts alerts; err, when set, fails Enqueue.
type fakeQueue struct {
	mu     sync.Mutex
	queued []transport.Notification
	err    error
}

func (q *fakeQueue) Enqueue(n transport.Notification) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.queued = append(q.queued, n)
	return nil
}

func (q *fakeQueue) Flush(context.Context) error { return nil }

func (q *fakeQueue) notifications() []transport.Notification {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]transport.Notification(nil), q.queued...)
}

func (q *fakeQueue) setErr(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.err = err
}

// fakeSender backs the summary job.
type fakeSender struct {
	mu      sync.Mutex
	sent    []string
	edited  []string
	editErr error
	nextID  int
}

func (s *fakeSender) Start(context.Context) error { return nil }
func (s *fakeSender) Stop(context.Context) error  { return nil }

func (s *fakeSender) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.sent = append(s.sent, text)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: s.nextID}, nil
}

func (s *fakeSender) EditText(_ context.Context, _ transport.MessageRef, text string, _ *transport.SendOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.editErr != nil {
		return s.editErr
	}
	s.edited = append(s.edited, text)
	return nil
}

func (s *fakeSender) setEditErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.editErr = err
}

func (s *fakeSender) counts() (sent, edited int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent), len(s.edited)
}

func newTestPipeline(t *testing.T, cfg Config, src *fakeSource, q Notifier, snd transport.Adapter) (*Pipeline, store.Store, eventbus.Bus) {
	t.Helper()
	if cfg.FetchConcurrency == 0 {
		cfg.FetchConcurrency = 2
	}
	if q == nil {
		q = &fakeQueue{}
	}
	st, err := store.Open(store.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	bus := eventbus.New()
	p, err := New(cfg, Deps{
		Source:     src,
		Store:      st,
		Classifier: classify.New(nil),
		Queue:      q,
		Sender:     snd,
		Bus:        bus,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, st, bus
}

func seed(t *testing.T, p *Pipeline, tracked, enemies []string) {
	t.Helper()
	if err := p.SeedRoster(context.Background(), tracked, enemies); err != nil {
		t.Fatalf("SeedRoster: %v", err)
	}
}

func snap(name string, level int, online bool) model.CharacterSnapshot {
	return model.CharacterSnapshot{Name: name, Level: level, Vocation: "Knight", Online: online}
}

func death(victim string, at time.Time, level int, killers string) model.DeathEvent {
	return model.DeathEvent{Victim: victim, At: at, Level: level, Killers: killers}
}

func drainBus(ch <-chan eventbus.Event) []eventbus.Event {
	var out []eventbus.Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func outcomes(events []eventbus.Event) []string {
	var out []string
	for _, e := range events {
		if e.Type != "pipeline.death" {
			continue
		}
		out = append(out, e.Data.(DeathRecord).Outcome)
	}
	return out
}

func TestRunCycleAlertsEnemyKills(t *testing.T) {
	diedAt := time.Now().Add(-10 * time.Minute).Truncate(time.Second)
	src := &fakeSource{
		roster: []model.CharacterSnapshot{snap("Sir Marcus", 80, true), snap("Dark Razor", 75, true)},
		deaths: map[string][]model.DeathEvent{
			"Sir Marcus": {death("Sir Marcus", diedAt, 80, "Dark Razor")},
		},
	}
	q := &fakeQueue{}
	p, st, bus := newTestPipeline(t, Config{AlertChat: transport.ChatTarget{ChatID: -100}}, src, q, nil)
	seed(t, p, []string{"Sir Marcus"}, []string{"Dark Razor"})
	events, unsub := bus.SubscribeTypes(64, "pipeline.")
	defer unsub()

	if err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	got := q.notifications()
	if len(got) != 1 {
		t.Fatalf("queued %d alerts, want 1", len(got))
	}
	if got[0].Kind != notify.KindDeathAlert {
		t.Errorf("alert kind = %q, want %q", got[0].Kind, notify.KindDeathAlert)
	}
	if got[0].Target.ChatID != -100 {
		t.Errorf("alert chat = %d, want -100", got[0].Target.ChatID)
	}
	if !strings.Contains(got[0].Text, "Sir Marcus") || !strings.Contains(got[0].Text, "Dark Razor") {
		t.Errorf("alert text missing victim or killer: %q", got[0].Text)
	}
	if want := []string{"enemy_kill"}; !slices.Equal(outcomes(drainBus(events)), want) {
		t.Errorf("first cycle outcomes != %v", want)
	}

	// The same death on the next poll is a duplicate: recorded once, alerted once.
	if err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("second RunCycle: %v", err)
	}
	if n := len(q.notifications()); n != 1 {
		t.Fatalf("duplicate death queued another alert, total %d", n)
	}
	if want := []string{"duplicate"}; !slices.Equal(outcomes(drainBus(events)), want) {
		t.Errorf("second cycle outcomes != %v", want)
	}

	deaths, err := st.ListDeaths(context.Background(), store.DeathQuery{})
	if err != nil {
		t.Fatalf("ListDeaths: %v", err)
	}
	if len(deaths) != 1 {
		t.Fatalf("stored %d deaths, want 1", len(deaths))
	}
}

func TestRunCycleCreatureDeathObserved(t *testing.T) {
	src := &fakeSource{
		roster: []model.CharacterSnapshot{snap("Sir Marcus", 80, true)},
		deaths: map[string][]model.DeathEvent{
			"Sir Marcus": {death("Sir Marcus", time.Now().Add(-time.Hour), 80, "a dragon")},
		},
	}
	q := &fakeQueue{}
	p, st, bus := newTestPipeline(t, Config{AlertChat: transport.ChatTarget{ChatID: -100}}, src, q, nil)
	seed(t, p, []string{"Sir Marcus"}, nil)
	events, unsub := bus.SubscribeTypes(16, "pipeline.")
	defer unsub()

	if err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if n := len(q.notifications()); n != 0 {
		t.Fatalf("creature death queued %d alerts", n)
	}
	if want := []string{"observed"}; !slices.Equal(outcomes(drainBus(events)), want) {
		t.Errorf("outcomes != %v", want)
	}
	// Observed deaths still land in the log for the history queries.
	deaths, err := st.ListDeaths(context.Background(), store.DeathQuery{Victim: "Sir Marcus"})
	if err != nil || len(deaths) != 1 {
		t.Fatalf("stored deaths = %d (err %v), want 1", len(deaths), err)
	}
}

func TestRunCycleRosterFailureAborts(t *testing.T) {
	src := &fakeSource{rosterErr: &source.FetchError{URL: "https://game.example/whoisonline", Status: 503}}
	p, st, bus := newTestPipeline(t, Config{}, src, nil, nil)
	seed(t, p, []string{"Sir Marcus"}, nil)
	events, unsub := bus.SubscribeTypes(16, "source.")
	defer unsub()

	err := p.RunCycle(context.Background())
	if err == nil {
		t.Fatal("RunCycle succeeded with the roster page down")
	}
	var fe *source.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("RunCycle error = %v, want a FetchError", err)
	}
	if n := len(src.fetchedNames()); n != 0 {
		t.Errorf("fetched %d death histories after roster failure", n)
	}
	evs := drainBus(events)
	if len(evs) != 1 || evs[0].Type != "source.fetch_error" {
		t.Fatalf("events = %+v, want one source.fetch_error", evs)
	}
	if issue := evs[0].Data.(SourceIssue); issue.Page != "whoisonline" {
		t.Errorf("issue page = %q, want whoisonline", issue.Page)
	}

	// The next interval retries from scratch.
	src.setRoster([]model.CharacterSnapshot{snap("Sir Marcus", 80, true)}, nil)
	if err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle after recovery: %v", err)
	}
	if _, ok, _ := st.GetCharacter(context.Background(), "Sir Marcus"); !ok {
		t.Error("character missing after recovered cycle")
	}
}

func TestRunCycleSkipsBrokenCharacter(t *testing.T) {
	at := time.Now().Add(-5 * time.Minute)
	src := &fakeSource{
		roster: []model.CharacterSnapshot{snap("Sir Marcus", 80, true), snap("Lady Vex", 72, true)},
		deathErr: map[string]error{
			"Sir Marcus": &source.ParseError{Page: "character", Reason: "death table missing"},
		},
		deaths: map[string][]model.DeathEvent{
			"Lady Vex": {death("Lady Vex", at, 72, "Grim Butcher")},
		},
	}
	q := &fakeQueue{}
	p, _, bus := newTestPipeline(t, Config{AlertChat: transport.ChatTarget{ChatID: -100}}, src, q, nil)
	seed(t, p, []string{"Sir Marcus", "Lady Vex"}, nil)
	events, unsub := bus.SubscribeTypes(16, "source.")
	defer unsub()

	if err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	got := q.notifications()
	if len(got) != 1 || !strings.Contains(got[0].Text, "Lady Vex") {
		t.Fatalf("alerts = %+v, want one for Lady Vex", got)
	}
	evs := drainBus(events)
	if len(evs) != 1 || evs[0].Type != "source.parse_error" {
		t.Fatalf("events = %+v, want one source.parse_error", evs)
	}
	if issue := evs[0].Data.(SourceIssue); issue.Name != "Sir Marcus" {
		t.Errorf("issue name = %q, want Sir Marcus", issue.Name)
	}
}

func TestRunCycleMinLevelFloor(t *testing.T) {
	src := &fakeSource{
		roster: []model.CharacterSnapshot{snap("Sir Marcus", 80, true), snap("Newbie Sam", 12, true)},
	}
	p, st, _ := newTestPipeline(t, Config{MinLevel: 30}, src, nil, nil)

	if err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if _, ok, _ := st.GetCharacter(context.Background(), "Sir Marcus"); !ok {
		t.Error("character above the floor was not persisted")
	}
	if _, ok, _ := st.GetCharacter(context.Background(), "Newbie Sam"); ok {
		t.Error("character below the floor was persisted")
	}
}

func TestRunCycleMarksOffline(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{roster: []model.CharacterSnapshot{snap("Lady Vex", 50, true)}}
	p, st, _ := newTestPipeline(t, Config{}, src, nil, nil)
	if err := st.UpsertCharacter(ctx, snap("Sir Marcus", 80, true)); err != nil {
		t.Fatalf("UpsertCharacter: %v", err)
	}

	if err := p.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	c, ok, _ := st.GetCharacter(ctx, "Sir Marcus")
	if !ok || c.Online {
		t.Errorf("absent character still online: %+v", c)
	}
	c, ok, _ = st.GetCharacter(ctx, "Lady Vex")
	if !ok || !c.Online {
		t.Errorf("present character not online: %+v", c)
	}
}

func TestRunCycleMarksSeenBeforeQueueing(t *testing.T) {
	src := &fakeSource{
		roster: []model.CharacterSnapshot{snap("Sir Marcus", 80, true)},
		deaths: map[string][]model.DeathEvent{
			"Sir Marcus": {death("Sir Marcus", time.Now().Add(-time.Minute), 80, "Dark Razor")},
		},
	}
	q := &fakeQueue{}
	q.setErr(errors.New("queue full"))
	p, st, _ := newTestPipeline(t, Config{AlertChat: transport.ChatTarget{ChatID: -100}}, src, q, nil)
	seed(t, p, []string{"Sir Marcus"}, nil)

	// The alert is lost, not deferred: the death was recorded before the
	// enqueue attempt, so the next cycle sees a duplicate.
	if err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	q.setErr(nil)
	if err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("second RunCycle: %v", err)
	}
	if n := len(q.notifications()); n != 0 {
		t.Fatalf("queued %d alerts, want 0", n)
	}
	deaths, err := st.ListDeaths(context.Background(), store.DeathQuery{})
	if err != nil || len(deaths) != 1 {
		t.Fatalf("stored deaths = %d (err %v), want 1", len(deaths), err)
	}
}

func TestRunCycleAlertsOldestFirst(t *testing.T) {
	base := time.Now().Truncate(time.Second)
	src := &fakeSource{
		roster: []model.CharacterSnapshot{snap("Sir Marcus", 81, true)},
		// The death history page lists newest first.
		deaths: map[string][]model.DeathEvent{
			"Sir Marcus": {
				death("Sir Marcus", base, 81, "Dark Razor"),
				death("Sir Marcus", base.Add(-30*time.Minute), 80, "Grim Butcher"),
			},
		},
	}
	q := &fakeQueue{}
	p, _, _ := newTestPipeline(t, Config{AlertChat: transport.ChatTarget{ChatID: -100}}, src, q, nil)
	seed(t, p, []string{"Sir Marcus"}, nil)

	if err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	got := q.notifications()
	if len(got) != 2 {
		t.Fatalf("queued %d alerts, want 2", len(got))
	}
	if !strings.Contains(got[0].Text, "Grim Butcher") {
		t.Errorf("first alert is not the oldest death: %q", got[0].Text)
	}
	if !strings.Contains(got[1].Text, "Dark Razor") {
		t.Errorf("second alert is not the newest death: %q", got[1].Text)
	}
}

func TestRunCycleCancelAbandonsRemaining(t *testing.T) {
	src := &fakeSource{
		gate:         make(chan struct{}),
		fetchStarted: make(chan string, 3),
	}
	p, _, _ := newTestPipeline(t, Config{FetchConcurrency: 1}, src, nil, nil)
	seed(t, p, []string{"Sir Marcus", "Lady Vex", "Old Crow"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.RunCycle(ctx) }()

	<-src.fetchStarted
	cancel()
	// Give the feed loop a beat to observe cancellation before releasing
	// the in-flight fetch.
	time.Sleep(50 * time.Millisecond)
	close(src.gate)

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("RunCycle error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RunCycle did not return after cancel")
	}
	if got := src.fetchedNames(); len(got) != 1 {
		t.Errorf("fetched %v, want the in-flight fetch only", got)
	}
}

func TestSeedRosterOverlapPrefersEnemy(t *testing.T) {
	ctx := context.Background()
	p, st, _ := newTestPipeline(t, Config{}, &fakeSource{}, nil, nil)
	seed(t, p, []string{"Sir Marcus", "Turncoat Tom"}, []string{"turncoat tom"})

	role, err := st.GetRole(ctx, "Turncoat Tom")
	if err != nil {
		t.Fatalf("GetRole: %v", err)
	}
	if role != model.RoleEnemy {
		t.Errorf("overlapping name role = %q, want enemy", role)
	}
	if role, _ := st.GetRole(ctx, "Sir Marcus"); role != model.RoleTracked {
		t.Errorf("tracked name role = %q, want tracked", role)
	}
}

func TestRefreshEnemiesKeepsOnlineFlag(t *testing.T) {
	ctx := context.Background()
	lastLogin := time.Date(2026, 2, 10, 21, 15, 0, 0, time.UTC)
	src := &fakeSource{
		detail: map[string]model.CharacterSnapshot{
			"Dark Razor": {Name: "Dark Razor", Level: 90, Vocation: "Sorcerer", LastLogin: lastLogin},
		},
		detailErr: map[string]error{
			"Grim Butcher": &source.FetchError{URL: "https://game.example/character", Status: 500},
		},
	}
	p, st, _ := newTestPipeline(t, Config{}, src, nil, nil)
	seed(t, p, nil, []string{"Dark Razor", "Grim Butcher"})
	if err := st.UpsertCharacter(ctx, snap("Dark Razor", 70, true)); err != nil {
		t.Fatalf("UpsertCharacter: %v", err)
	}
	if err := st.UpsertCharacter(ctx, model.CharacterSnapshot{Name: "Grim Butcher", Level: 65, Vocation: "Paladin"}); err != nil {
		t.Fatalf("UpsertCharacter: %v", err)
	}

	p.RefreshEnemies(ctx)

	c, ok, _ := st.GetCharacter(ctx, "Dark Razor")
	if !ok {
		t.Fatal("refreshed enemy missing")
	}
	if c.Level != 90 || c.Vocation != "Sorcerer" || !c.LastLogin.Equal(lastLogin) {
		t.Errorf("details not refreshed: %+v", c)
	}
	if !c.Online {
		t.Error("refresh cleared the online flag")
	}
	if c, _, _ := st.GetCharacter(ctx, "Grim Butcher"); c.Level != 65 {
		t.Errorf("failed refresh changed the character: %+v", c)
	}
}

func TestPublishSummaryEditsInPlace(t *testing.T) {
	ctx := context.Background()
	snd := &fakeSender{}
	p, st, _ := newTestPipeline(t, Config{GeneralChat: transport.ChatTarget{ChatID: -200}}, &fakeSource{}, nil, snd)
	seed(t, p, nil, []string{"Dark Razor"})

	p.PublishSummary(ctx)
	sent, edited := snd.counts()
	if sent != 1 || edited != 0 {
		t.Fatalf("first publish: sent %d edited %d, want 1/0", sent, edited)
	}
	raw, ok, err := st.GetMeta(ctx, metaSummaryRef)
	if err != nil || !ok {
		t.Fatalf("summary ref not stored (ok %v err %v)", ok, err)
	}
	ref, err := transport.ParseMessageRef(raw)
	if err != nil {
		t.Fatalf("ParseMessageRef(%q): %v", raw, err)
	}
	if ref.ChatID != -200 || ref.MessageID != 1 {
		t.Errorf("stored ref = %+v", ref)
	}

	p.PublishSummary(ctx)
	if sent, edited = snd.counts(); sent != 1 || edited != 1 {
		t.Fatalf("second publish: sent %d edited %d, want 1/1", sent, edited)
	}

	// A dead message (deleted, chat migrated) falls back to a fresh post.
	snd.setEditErr(errors.New("message to edit not found"))
	p.PublishSummary(ctx)
	if sent, edited = snd.counts(); sent != 2 || edited != 1 {
		t.Fatalf("publish after edit failure: sent %d edited %d, want 2/1", sent, edited)
	}
	raw, _, _ = st.GetMeta(ctx, metaSummaryRef)
	if ref, _ := transport.ParseMessageRef(raw); ref.MessageID != 2 {
		t.Errorf("ref not repointed at the fresh message: %+v", ref)
	}
}

func TestPublishSummaryNeedsTarget(t *testing.T) {
	ctx := context.Background()
	snd := &fakeSender{}
	p, _, _ := newTestPipeline(t, Config{}, &fakeSource{}, nil, snd)
	p.PublishSummary(ctx)
	if sent, edited := snd.counts(); sent != 0 || edited != 0 {
		t.Errorf("summary published without a chat: sent %d edited %d", sent, edited)
	}

	// No sender wired at all must be a quiet no-op.
	p, _, _ = newTestPipeline(t, Config{GeneralChat: transport.ChatTarget{ChatID: -200}}, &fakeSource{}, nil, nil)
	p.PublishSummary(ctx)
}

func TestPruneTrimsDeathLog(t *testing.T) {
	ctx := context.Background()
	p, st, _ := newTestPipeline(t, Config{PruneKeep: 2}, &fakeSource{}, nil, nil)
	base := time.Now().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		ev := death("Sir Marcus", base.Add(-time.Duration(i)*time.Hour), 80-i, "a dragon")
		if err := st.MarkSeen(ctx, ev); err != nil {
			t.Fatalf("MarkSeen: %v", err)
		}
	}

	p.Prune(ctx)

	rows, err := st.ListDeaths(ctx, store.DeathQuery{Victim: "Sir Marcus"})
	if err != nil {
		t.Fatalf("ListDeaths: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("kept %d deaths, want 2", len(rows))
	}
	if !rows[0].At.Equal(base) || !rows[1].At.Equal(base.Add(-time.Hour)) {
		t.Errorf("prune kept the wrong deaths: %+v", rows)
	}
}
