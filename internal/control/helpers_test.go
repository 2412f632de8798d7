package control

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"palctl/internal/config"
	"palctl/internal/notifier"
	"palctl/internal/palapi"
	"palctl/pkg/logx"
)

// virtualClock advances instantly on Sleep. A sleep that would pass limit
// blocks until ctx is done, which parks long-running loops at the end of a
// scenario.
type virtualClock struct {
	mu     sync.Mutex
	now    time.Time
	limit  time.Time
	sleeps []time.Duration
}

func newVirtualClock(now time.Time) *virtualClock { return &virtualClock{now: now} }

func (v *virtualClock) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

func (v *virtualClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	if !v.limit.IsZero() && v.now.Add(d).After(v.limit) {
		v.mu.Unlock()
		<-ctx.Done()
		return ctx.Err()
	}
	if d > 0 {
		v.now = v.now.Add(d)
	}
	v.sleeps = append(v.sleeps, d)
	v.mu.Unlock()
	return nil
}

func (v *virtualClock) advance(d time.Duration) {
	v.mu.Lock()
	v.now = v.now.Add(d)
	v.mu.Unlock()
}

func (v *virtualClock) setLimit(t time.Time) {
	v.mu.Lock()
	v.limit = t
	v.mu.Unlock()
}

// blockingClock parks every positive sleep until ctx is done.
type blockingClock struct{ now time.Time }

func (b blockingClock) Now() time.Time { return b.now }

func (blockingClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	<-ctx.Done()
	return ctx.Err()
}

type note struct {
	Text string
	Sev  notifier.Severity
}

type recNotifier struct {
	mu    sync.Mutex
	notes []note
}

func (r *recNotifier) Notify(_ context.Context, text string, sev notifier.Severity) error {
	r.mu.Lock()
	r.notes = append(r.notes, note{Text: text, Sev: sev})
	r.mu.Unlock()
	return nil
}

func (r *recNotifier) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.notes))
	for _, n := range r.notes {
		out = append(out, n.Text)
	}
	return out
}

// memPeer is an in-memory Peer that counts calls.
type memPeer struct {
	mu        sync.Mutex
	calls     map[string]int
	announced []string
	players   []palapi.Player
	saveGate  chan struct{}
	// pingsUntilDown is how many pings succeed after a shutdown; negative
	// means the server never goes down.
	pingsUntilDown int
	down           bool
	failSave       error
}

func newMemPeer() *memPeer { return &memPeer{calls: map[string]int{}} }

func (p *memPeer) count(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

func (p *memPeer) note(op string) {
	p.mu.Lock()
	p.calls[op]++
	p.mu.Unlock()
}

func (p *memPeer) Info(context.Context) (palapi.ServerInfo, error) {
	p.note("info")
	return palapi.ServerInfo{Name: "mem"}, nil
}

func (p *memPeer) Players(context.Context) ([]palapi.Player, error) {
	p.note("players")
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]palapi.Player(nil), p.players...), nil
}

func (p *memPeer) Ping(context.Context) error {
	p.note("ping")
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.down {
		return nil
	}
	if p.pingsUntilDown < 0 {
		return nil
	}
	if p.pingsUntilDown > 0 {
		p.pingsUntilDown--
		return nil
	}
	return errors.New("connection refused")
}

func (p *memPeer) Save(ctx context.Context) (palapi.Report, error) {
	p.note("save")
	if p.saveGate != nil {
		select {
		case <-p.saveGate:
		case <-ctx.Done():
			return palapi.Report{Op: "save"}, ctx.Err()
		}
	}
	if p.failSave != nil {
		return palapi.Report{Op: "save"}, p.failSave
	}
	return palapi.Report{Op: "save", Accepted: "POST save"}, nil
}

func (p *memPeer) Shutdown(context.Context, int, string) (palapi.Report, error) {
	p.note("shutdown")
	p.mu.Lock()
	p.down = true
	p.mu.Unlock()
	return palapi.Report{Op: "shutdown", Accepted: "POST shutdown [json waittime]"}, nil
}

func (p *memPeer) Announce(_ context.Context, msg string) (palapi.Report, error) {
	p.note("announce")
	p.mu.Lock()
	p.announced = append(p.announced, msg)
	p.mu.Unlock()
	return palapi.Report{Op: "announce"}, nil
}

func (p *memPeer) Kick(context.Context, string, string) (palapi.Report, error) {
	p.note("kick")
	return palapi.Report{Op: "kick"}, nil
}

func (p *memPeer) Ban(context.Context, string, string) (palapi.Report, error) {
	p.note("ban")
	return palapi.Report{Op: "ban"}, nil
}

func (p *memPeer) Unban(context.Context, string) (palapi.Report, error) {
	p.note("unban")
	return palapi.Report{Op: "unban"}, nil
}

// slowPingPeer spends cost on the clock inside every Ping.
type slowPingPeer struct {
	*memPeer
	clock *virtualClock
	cost  time.Duration
}

func (p slowPingPeer) Ping(ctx context.Context) error {
	p.clock.advance(p.cost)
	return p.memPeer.Ping(ctx)
}

func peersOf(p Peer) PeerFactory {
	return func(config.ServerConfig, logx.Logger) (Peer, error) { return p, nil }
}

type countingRelauncher struct {
	n   atomic.Int32
	err error
}

func (r *countingRelauncher) Relaunch(context.Context, Settings) (string, error) {
	r.n.Add(1)
	if r.err != nil {
		return "", r.err
	}
	return "fake", nil
}

type fakeArchiver struct {
	mu       sync.Mutex
	archived []string
	pruned   int
	err      error
}

func (f *fakeArchiver) Archive(_ context.Context, src, dst, prefix string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	p := dst + "/" + prefix + "x.zip"
	f.archived = append(f.archived, p)
	return p, nil
}

func (f *fakeArchiver) archives() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.archived)
}

func (f *fakeArchiver) Prune(string, string, time.Duration, time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, f.pruned)
	for i := range out {
		out[i] = "old.zip"
	}
	return out, nil
}

func testConfig(mut func(*config.Config)) *config.Config {
	cfg := config.Default()
	cfg.Server.BaseURL = "http://127.0.0.1:1"
	cfg.Control.AutosaveInterval = "0s"
	cfg.Control.BackupInterval = "0s"
	cfg.Control.PollInterval = "0s"
	cfg.Control.Timezone = "UTC"
	if mut != nil {
		mut(cfg)
	}
	return cfg
}

const (
	timeout = 2 * time.Second
	tick    = 5 * time.Millisecond
)
