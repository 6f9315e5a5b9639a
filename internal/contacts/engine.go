package contacts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/courier-chat/courier/internal/bus"
	"github.com/courier-chat/courier/internal/gateway"
	"github.com/courier-chat/courier/internal/phone"
	"github.com/courier-chat/courier/internal/store"
)

// Gateway is the slice of the remote contact service the engine uses.
type Gateway interface {
	CheckContacts(ctx context.Context, phones []string) ([]gateway.Registration, error)
	InviteContact(ctx context.Context, phone string) (bool, error)
}

// DefaultBatchSize bounds one remote validation request.
const DefaultBatchSize = 50

// Session carries sync state that lives for one app foreground span.
// The fingerprint of the last fully validated phone-book shape is kept
// here, never persisted, so every restart revalidates once.
type Session struct {
	mu          sync.Mutex
	fingerprint string
}

func (s *Session) lastFingerprint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fingerprint
}

func (s *Session) setFingerprint(fp string) {
	s.mu.Lock()
	s.fingerprint = fp
	s.mu.Unlock()
}

// Engine runs the three-stage contact sync pipeline.
type Engine struct {
	db        *store.DB
	gw        Gateway
	bus       *bus.Bus
	logger    *zap.Logger
	session   *Session
	batchSize int
}

// NewEngine creates a sync engine. batchSize <= 0 selects the default.
func NewEngine(db *store.DB, gw Gateway, b *bus.Bus, logger *zap.Logger, batchSize int) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Engine{
		db:        db,
		gw:        gw,
		bus:       b,
		logger:    logger,
		session:   &Session{},
		batchSize: batchSize,
	}
}

// Sync reconciles the given phone book against the local store and,
// when the phone book's shape changed since the last fully validated
// sync, validates the candidates remotely. force bypasses the
// fingerprint check and always revalidates. The local diff always
// runs; the fingerprint only gates the remote stage.
func (e *Engine) Sync(ctx context.Context, phoneBook []PhoneContact, force bool) error {
	local, err := e.db.ListContacts()
	if err != nil {
		return fmt.Errorf("contact sync: %w", err)
	}
	plan := BuildSyncPlan(phoneBook, local)
	if err := e.ApplySyncPlan(plan); err != nil {
		return fmt.Errorf("contact sync: %w", err)
	}

	fp := fingerprintOf(phoneBook)
	if !force && fp == e.session.lastFingerprint() {
		e.logger.Debug("phone book unchanged, skipping remote validation",
			zap.String("fingerprint", fp))
		e.publishSynced(len(plan.ToValidate), true)
		return nil
	}

	if err := e.ValidateContacts(ctx, plan.ToValidate, nil); err != nil {
		// A failed batch leaves its contacts unvalidated; the
		// fingerprint is not recorded so the next sync retries them.
		e.publishSynced(len(plan.ToValidate), false)
		return fmt.Errorf("contact sync: %w", err)
	}
	e.session.setFingerprint(fp)
	e.publishSynced(len(plan.ToValidate), false)
	return nil
}

// ApplySyncPlan applies the plan's local mutations, each side as one
// batch. Empty batches issue no calls.
func (e *Engine) ApplySyncPlan(plan Plan) error {
	if len(plan.ToRemove) > 0 {
		if err := e.db.DeleteContacts(plan.ToRemove); err != nil {
			return fmt.Errorf("apply plan: remove: %w", err)
		}
	}
	if len(plan.ToAdd) > 0 {
		if err := e.db.BulkUpsertContacts(plan.ToAdd); err != nil {
			return fmt.Errorf("apply plan: add: %w", err)
		}
	}
	if len(plan.ToUpdate) > 0 {
		if err := e.db.BulkUpsertContacts(plan.ToUpdate); err != nil {
			return fmt.Errorf("apply plan: update: %w", err)
		}
	}
	if !plan.Empty() {
		e.publish(bus.KindContactUpserted, map[string]string{
			"added":   fmt.Sprint(len(plan.ToAdd)),
			"updated": fmt.Sprint(len(plan.ToUpdate)),
			"removed": fmt.Sprint(len(plan.ToRemove)),
		})
	}
	return nil
}

// ValidateContacts checks the candidates against the remote registry in
// batches and writes back each registered result. A batch failure is
// scoped to that batch: earlier and later batches still apply, and the
// accumulated error is returned at the end. emit, when non-nil,
// receives every contact that turned out registered.
func (e *Engine) ValidateContacts(ctx context.Context, candidates []store.Contact, emit func(store.Contact)) error {
	if len(candidates) == 0 {
		return nil
	}
	byKey := make(map[string]store.Contact, len(candidates))
	for _, c := range candidates {
		byKey[c.PhoneKey] = c
	}

	var errs error
	for start := 0; start < len(candidates); start += e.batchSize {
		end := start + e.batchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		batch := candidates[start:end]
		phones := make([]string, len(batch))
		for i, c := range batch {
			phones[i] = c.PhoneKey
		}

		registered, err := e.gw.CheckContacts(ctx, phones)
		if err != nil {
			e.logger.Error("validation batch failed",
				zap.Int("batch_start", start), zap.Int("batch_size", len(batch)), zap.Error(err))
			errs = multierr.Append(errs, err)
			continue
		}
		for _, reg := range registered {
			key := phone.NormalizeKey(reg.Phone)
			c, ok := byKey[key]
			if !ok {
				e.logger.Warn("registry returned unknown number", zap.String("phone", reg.Phone))
				continue
			}
			if err := e.db.MarkRegistered(key, reg.UID); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("mark registered %s: %w", key, err))
				continue
			}
			c.IsRegistered = true
			c.FirebaseUID = reg.UID
			e.publish(bus.KindContactUpserted, map[string]string{"phone_key": key})
			if emit != nil {
				emit(c)
			}
		}
	}
	return errs
}

// InviteContact forwards an invitation for an unregistered number.
func (e *Engine) InviteContact(ctx context.Context, phoneNo string) (bool, error) {
	return e.gw.InviteContact(ctx, phoneNo)
}

// ObserveContacts produces a continuously updated contact list driven
// by contact change events. New observers get the current list
// immediately; slow observers skip intermediate snapshots.
func (e *Engine) ObserveContacts(ctx context.Context) <-chan []store.Contact {
	out := make(chan []store.Contact, 1)
	events, unsub := e.bus.Subscribe("contact.", 64)

	send := func() {
		list, err := e.db.ListContacts()
		if err != nil {
			e.logger.Error("observe contacts list failed", zap.Error(err))
			return
		}
		select {
		case out <- list:
		default:
			select {
			case <-out:
			default:
			}
			out <- list
		}
	}
	send()

	go func() {
		defer unsub()
		defer close(out)
		for {
			select {
			case <-events:
				send()
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func fingerprintOf(phoneBook []PhoneContact) string {
	numbers := make([]string, 0, len(phoneBook))
	for _, pc := range phoneBook {
		numbers = append(numbers, pc.PhoneNo)
	}
	return phone.Fingerprint(numbers)
}

func (e *Engine) publishSynced(candidates int, skipped bool) {
	e.publish(bus.KindContactSynced, map[string]string{
		"candidates":         fmt.Sprint(candidates),
		"validation_skipped": fmt.Sprint(skipped),
	})
}

func (e *Engine) publish(kind string, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
