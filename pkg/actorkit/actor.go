// Package actorkit generalizes the teacher's module-registry/supervisor idiom
// (grounded on r3e-network-service_layer's system/core/{registry,lifecycle}.go)
// into a small supervised-goroutine primitive: each Actor owns a single
// mutable receiver behind a buffered mailbox channel, processes messages
// strictly FIFO, and is restarted by its Supervisor on panic (spec §5, §9
// "Per-entity actors with registries (BEAM supervision)").
package actorkit

import (
	"context"
	"log/slog"
	"time"
)

// Msg is one unit of work delivered to an Actor's mailbox. Handle must not
// block on anything but the suspension points named in spec §5 (outbound
// HTTP, registry RPC, tick-wait).
type Msg func(ctx context.Context)

// Actor is a goroutine-backed mailbox processing Msgs strictly in order.
type Actor struct {
	name    string
	mailbox chan Msg
	logger  *slog.Logger
	done    chan struct{}
}

// DefaultMailboxSize bounds backpressure on a single actor's inbox.
const DefaultMailboxSize = 256

// Spawn starts an Actor under supervision: if a Msg panics, the actor is
// restarted (a fresh goroutine resumes draining the same mailbox) rather than
// letting one bad message kill the process. In-flight state inside the
// panicking Msg is lost; queued messages behind it are preserved.
func Spawn(name string, logger *slog.Logger) *Actor {
	a := &Actor{
		name:    name,
		mailbox: make(chan Msg, DefaultMailboxSize),
		logger:  logger,
		done:    make(chan struct{}),
	}
	go a.supervise()
	return a
}

// Send enqueues a Msg, blocking only if the mailbox is full (backpressure,
// not data loss). Send never blocks past actor shutdown.
func (a *Actor) Send(msg Msg) {
	select {
	case a.mailbox <- msg:
	case <-a.done:
	}
}

// Stop drains remaining messages is not guaranteed; Stop signals the actor to
// exit after its current message, matching the "best-effort" shutdown
// contract in spec §5.
func (a *Actor) Stop() {
	close(a.done)
}

func (a *Actor) supervise() {
	for {
		select {
		case <-a.done:
			return
		default:
		}
		a.runLoop()
		// runLoop only returns on panic recovery or done; if done, exit.
		select {
		case <-a.done:
			return
		default:
			a.logger.Warn("actor restarting after panic", "actor", a.name)
			time.Sleep(50 * time.Millisecond)
		}
	}
}

func (a *Actor) runLoop() {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("actor panicked", "actor", a.name, "panic", r)
		}
	}()

	ctx := context.Background()
	for {
		select {
		case msg, ok := <-a.mailbox:
			if !ok {
				return
			}
			msg(ctx)
		case <-a.done:
			return
		}
	}
}

// Call runs fn synchronously inside the actor's mailbox and returns its
// result over a reply channel, used for the synchronous AuthCache
// Register/Unregister messages (§4.8).
func Call[T any](a *Actor, fn func(ctx context.Context) T) T {
	reply := make(chan T, 1)
	a.Send(func(ctx context.Context) {
		reply <- fn(ctx)
	})
	return <-reply
}

// CallTimeout is Call bounded by a deadline, used for the ≤1s bounded wait on
// AuthCache deactivation RPCs (§5): on timeout the caller proceeds without
// the actor's acknowledgment and logs a degraded warning.
func CallTimeout[T any](a *Actor, timeout time.Duration, fn func(ctx context.Context) T) (T, bool) {
	reply := make(chan T, 1)
	a.Send(func(ctx context.Context) {
		reply <- fn(ctx)
	})

	var zero T
	select {
	case v := <-reply:
		return v, true
	case <-time.After(timeout):
		return zero, false
	}
}
