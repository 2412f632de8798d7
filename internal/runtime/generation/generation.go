// Package generation implements cooperative cancellation of background loops
// by per-role generation counters.
//
// Each role (autosave, backup, scheduler, ...) owns a monotonically
// increasing counter. Launching a loop bumps the counter and hands the loop a
// Token carrying the new value. The loop is current only while the live
// counter still equals its token; a later bump makes it stale and it must
// stop at its next safe point without further side effects.
package generation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

type Role string

const (
	Autosave  Role = "autosave"
	Backup    Role = "backup"
	Scheduler Role = "scheduler"
	Adhoc     Role = "adhoc"
	Poll      Role = "poll"
)

// Roles lists every role known to New() by default.
var Roles = []Role{Autosave, Backup, Scheduler, Adhoc, Poll}

type counter struct {
	gen    atomic.Uint64
	active atomic.Int64
}

// Guard holds one counter per role. Counters are read and bumped without locks.
type Guard struct {
	mu       sync.RWMutex
	counters map[Role]*counter
}

func New(roles ...Role) *Guard {
	if len(roles) == 0 {
		roles = Roles
	}
	g := &Guard{counters: make(map[Role]*counter, len(roles))}
	for _, r := range roles {
		g.counters[r] = &counter{}
	}
	return g
}

func (g *Guard) counter(role Role) *counter {
	g.mu.RLock()
	c := g.counters[role]
	g.mu.RUnlock()
	if c != nil {
		return c
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if c = g.counters[role]; c == nil {
		c = &counter{}
		g.counters[role] = c
	}
	return c
}

// Bump invalidates every token issued for role and returns a fresh one.
func (g *Guard) Bump(role Role) Token {
	c := g.counter(role)
	return Token{c: c, role: role, gen: c.gen.Add(1)}
}

// Live returns the current counter value for role.
func (g *Guard) Live(role Role) uint64 { return g.counter(role).gen.Load() }

// Active returns how many loops launched for role are still running.
func (g *Guard) Active(role Role) int64 { return g.counter(role).active.Load() }

// Spawner starts fn in a new goroutine. supervisor.Supervisor.Go0 satisfies it.
type Spawner func(name string, fn func(ctx context.Context))

// Launch bumps role and runs loop under spawn with the fresh token.
// The previous loop for role, if any, becomes stale.
func (g *Guard) Launch(role Role, spawn Spawner, loop func(ctx context.Context, tok Token)) Token {
	tok := g.Bump(role)
	tok.c.active.Add(1)
	spawn(fmt.Sprintf("%s#%d", role, tok.gen), func(ctx context.Context) {
		defer tok.c.active.Add(-1)
		loop(ctx, tok)
	})
	return tok
}

// Token is the generation a loop was spawned with.
type Token struct {
	c    *counter
	role Role
	gen  uint64
}

func (t Token) Role() Role  { return t.role }
func (t Token) Gen() uint64 { return t.gen }

// Current reports whether no newer generation has been issued for the role.
func (t Token) Current() bool {
	return t.c != nil && t.c.gen.Load() == t.gen
}

// Sleeper abstracts a cancellable sleep so loops can run on a virtual clock.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Wait is the loop safe point: it checks staleness, sleeps for d, then checks
// staleness again. It returns false when the loop must exit.
func (t Token) Wait(ctx context.Context, s Sleeper, d time.Duration) bool {
	if !t.Current() || ctx.Err() != nil {
		return false
	}
	if err := s.Sleep(ctx, d); err != nil {
		return false
	}
	return t.Current()
}
