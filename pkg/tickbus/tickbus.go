// Package tickbus is the TickBus of spec §4.2: a single scheduler per named
// tick, aligned to UTC period boundaries, fanning out Tick events to
// subscriber channels. It replaces the source system's scheduled-cron +
// SSE-driven tick stream (§9) with a goroutine-per-tick scheduler and
// in-process channels — no external SSE dependency in the core.
package tickbus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Tick is one firing of a named period, delivered to every subscriber.
// Sequence is strictly increasing per tick name (§4.2) so subscribers can
// detect re-delivery of the same logical tick (at-least-once semantics).
type Tick struct {
	Name     string
	UnixTS   int64
	Sequence uint64
}

// Supported tick names (§4.2). tick_1mo aligns to calendar month boundaries
// in UTC, not a fixed 30-day window — the Open Question in spec §9 resolved
// in DESIGN.md.
const (
	Tick1s   = "tick_1s"
	Tick5s   = "tick_5s"
	Tick15s  = "tick_15s"
	Tick1m   = "tick_1m"
	Tick5m   = "tick_5m"
	Tick15m  = "tick_15m"
	Tick1h   = "tick_1h"
	Tick1d   = "tick_1d"
	Tick1w   = "tick_1w"
	Tick1mo  = "tick_1mo"
)

// period returns the fixed duration for every tick except tick_1mo, which is
// handled specially by nextBoundary (calendar months are not fixed-length).
var period = map[string]time.Duration{
	Tick1s:  time.Second,
	Tick5s:  5 * time.Second,
	Tick15s: 15 * time.Second,
	Tick1m:  time.Minute,
	Tick5m:  5 * time.Minute,
	Tick15m: 15 * time.Minute,
	Tick1h:  time.Hour,
	Tick1d:  24 * time.Hour,
	Tick1w:  7 * 24 * time.Hour,
}

const subscriberBufferSize = 8

// Bus publishes the supported ticks to subscribers. The zero value is not
// usable; construct with New.
type Bus struct {
	logger *slog.Logger

	mu          sync.Mutex
	subscribers map[string][]chan Tick
	sequences   map[string]uint64
}

// New creates a Bus. Call Start to begin scheduling.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		logger:      logger,
		subscribers: make(map[string][]chan Tick),
		sequences:   make(map[string]uint64),
	}
}

// Subscribe returns a channel that receives every firing of the named tick
// from the moment of the call onward. The channel is buffered; while a
// subscriber's buffer is full, each newly published tick is dropped for it
// and the pending ones are kept (delivery is not guaranteed exhaustive —
// see §4.2).
func (b *Bus) Subscribe(tickName string) <-chan Tick {
	ch := make(chan Tick, subscriberBufferSize)

	b.mu.Lock()
	b.subscribers[tickName] = append(b.subscribers[tickName], ch)
	b.mu.Unlock()

	return ch
}

// Start launches one scheduler goroutine per supported tick name, aligned to
// UTC boundaries. It returns immediately; schedulers run until ctx is
// cancelled (§5 Startup/shutdown: "flush all subscribed ticks once, then
// drop" is the caller's responsibility on the subscriber side).
func (b *Bus) Start(ctx context.Context) {
	for name := range period {
		go b.schedule(ctx, name)
	}
	go b.scheduleMonthly(ctx)
}

func (b *Bus) schedule(ctx context.Context, name string) {
	p := period[name]
	for {
		now := time.Now().UTC()
		next := now.Truncate(p).Add(p)
		timer := time.NewTimer(next.Sub(now))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case fired := <-timer.C:
			b.publish(name, fired.UTC())
		}
	}
}

// scheduleMonthly fires tick_1mo at 00:00:00 UTC on the 1st of each calendar
// month (§9 Open Question, resolved in DESIGN.md), since calendar months are
// not a fixed duration and can't be handled by Truncate.
func (b *Bus) scheduleMonthly(ctx context.Context) {
	for {
		now := time.Now().UTC()
		next := nextMonthBoundary(now)
		timer := time.NewTimer(next.Sub(now))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case fired := <-timer.C:
			b.publish(Tick1mo, fired.UTC())
		}
	}
}

func nextMonthBoundary(now time.Time) time.Time {
	firstOfThisMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	if now.Equal(firstOfThisMonth) {
		return firstOfThisMonth
	}
	return firstOfThisMonth.AddDate(0, 1, 0)
}

// publish delivers one Tick to every current subscriber of name. A drift of
// more than one period between the scheduled and actual fire time is not
// separately detected here — schedule's Truncate+Add arithmetic naturally
// skips any missed boundaries rather than replaying them (§4.2: "the bus
// skips missed ticks rather than replaying").
func (b *Bus) publish(name string, at time.Time) {
	b.mu.Lock()
	b.sequences[name]++
	seq := b.sequences[name]
	subs := append([]chan Tick(nil), b.subscribers[name]...)
	b.mu.Unlock()

	t := Tick{Name: name, UnixTS: at.Unix(), Sequence: seq}
	for _, ch := range subs {
		select {
		case ch <- t:
		default:
			b.logger.Warn("tickbus: subscriber channel full, dropping tick", "tick", name, "sequence", seq)
		}
	}
}
