// Package summary derives the per-conversation overview rows shown in
// the conversation list. The derivation is read-only and reactive: any
// message, contact or conversation-state change triggers a recompute
// from a single consistent store query.
package summary

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/courier-chat/courier/internal/bus"
	"github.com/courier-chat/courier/internal/store"
)

// UserResolver yields the user whose conversation list is derived.
type UserResolver interface {
	CurrentUserID() string
}

// Aggregator recomputes conversation summaries on store changes and
// republishes them on the bus.
type Aggregator struct {
	db      *store.DB
	bus     *bus.Bus
	session UserResolver
	logger  *zap.Logger
}

// NewAggregator creates a summary aggregator.
func NewAggregator(db *store.DB, b *bus.Bus, session UserResolver, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{db: db, bus: b, session: session, logger: logger}
}

// Snapshot derives the current summary list: pinned conversations
// first, then by latest activity.
func (a *Aggregator) Snapshot() ([]store.ConversationSummary, error) {
	return a.db.ListSummaries(a.session.CurrentUserID(), time.Now().UnixMilli())
}

// Start subscribes to store-change events and launches the recompute
// loop, running until ctx is cancelled. The subscription is
// established before Start returns, so events published after it are
// never lost to loop scheduling. Bursts of changes coalesce: events
// arriving while one recompute is pending fold into the next one.
func (a *Aggregator) Start(ctx context.Context) {
	events, unsub := a.bus.Subscribe("", 128)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-events:
				if !triggersRecompute(evt.Kind) {
					continue
				}
				a.drain(events)
				a.recompute()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// drain folds queued events into the recompute about to run.
func (a *Aggregator) drain(events <-chan bus.Event) {
	for {
		select {
		case <-events:
		default:
			return
		}
	}
}

func (a *Aggregator) recompute() {
	summaries, err := a.Snapshot()
	if err != nil {
		a.logger.Error("summary derivation failed", zap.Error(err))
		return
	}
	a.bus.Publish(bus.Event{
		Kind:      bus.KindSummaryUpdated,
		Timestamp: time.Now(),
		Payload:   summaries,
	})
}

// triggersRecompute filters the namespaces whose changes feed the
// derivation. Summary events themselves are excluded or the loop
// would feed itself.
func triggersRecompute(kind string) bool {
	return strings.HasPrefix(kind, "message.") ||
		strings.HasPrefix(kind, "contact.") ||
		strings.HasPrefix(kind, "conversation.")
}

// Observe produces a continuously updated summary list. New observers
// get the current snapshot immediately; slow observers skip
// intermediate lists but always see the latest. Requires Start to be
// active for updates to flow.
func (a *Aggregator) Observe(ctx context.Context) <-chan []store.ConversationSummary {
	out := make(chan []store.ConversationSummary, 1)
	events, unsub := a.bus.Subscribe(bus.KindSummaryUpdated, 16)

	send := func(s []store.ConversationSummary) {
		select {
		case out <- s:
		default:
			select {
			case <-out:
			default:
			}
			out <- s
		}
	}

	if snap, err := a.Snapshot(); err == nil {
		send(snap)
	} else {
		a.logger.Error("initial summary snapshot failed", zap.Error(err))
	}

	go func() {
		defer unsub()
		defer close(out)
		for {
			select {
			case evt := <-events:
				if s, ok := evt.Payload.([]store.ConversationSummary); ok {
					send(s)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
