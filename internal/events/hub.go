package events

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Type identifies one lifecycle event kind.
type Type string

const (
	SubscriptionCreated Type = "subscription.created"
	BilledSuccess       Type = "subscription.billed_success"
	BilledFailure       Type = "subscription.billed_failure"
	Cancelled           Type = "subscription.cancelled"
	Paused              Type = "subscription.paused"
	Resumed             Type = "subscription.resumed"
	Upgraded            Type = "subscription.upgraded"
	Downgraded          Type = "subscription.downgraded"
	TrialEnded          Type = "subscription.trial_ended"
	Expired             Type = "subscription.expired"
)

// Event is one lifecycle notification. Amount is set for billing events,
// PreviousPlanID for plan changes.
type Event struct {
	Type           Type            `json:"type"`
	SubscriptionID string          `json:"subscription_id"`
	UserID         string          `json:"user_id"`
	PlanID         string          `json:"plan_id"`
	PreviousPlanID string          `json:"previous_plan_id,omitempty"`
	Amount         decimal.Decimal `json:"amount,omitempty"`
	Currency       string          `json:"currency,omitempty"`
	PaymentID      string          `json:"payment_id,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	OccurredAt     time.Time       `json:"occurred_at"`
}

const defaultSubscriberBuffer = 32

// Hub fans lifecycle events out to in-process subscribers. Publish never
// blocks: a subscriber that falls behind misses events instead of
// stalling the billing path.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
}

type Subscription struct {
	hub   *Hub
	id    uint64
	types map[Type]struct{}
	ch    chan Event
	once  sync.Once
}

func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]*Subscription)}
}

// Publish delivers the event to every subscriber whose filter matches.
func (h *Hub) Publish(event Event) {
	if h == nil {
		return
	}
	h.mu.RLock()
	targets := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		if sub.matches(event.Type) {
			targets = append(targets, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// Subscribe registers a subscriber. With no types given it receives every
// event.
func (h *Hub) Subscribe(types ...Type) *Subscription {
	sub := &Subscription{
		hub: h,
		ch:  make(chan Event, defaultSubscriberBuffer),
	}
	if len(types) > 0 {
		sub.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	h.mu.Lock()
	sub.id = h.nextID
	h.nextID++
	h.subs[sub.id] = sub
	h.mu.Unlock()
	return sub
}

func (s *Subscription) matches(t Type) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[t]
	return ok
}

func (s *Subscription) Events() <-chan Event {
	if s == nil {
		return nil
	}
	return s.ch
}

func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s.id)
		s.hub.mu.Unlock()
	})
}
