package docstore

import (
	"context"
	"sync"
)

// Subscription delivers the matching record set after every change to its
// collection. Delivery coalesces: when the consumer lags, older snapshots are
// dropped in favor of the latest one.
type Subscription struct {
	store      *Store
	id         uint64
	collection string
	filter     Filter

	ch chan []Record

	mu       sync.Mutex
	canceled bool
}

func (s *Store) Subscribe(collection string, filter Filter) *Subscription {
	s.mu.Lock()
	s.nextSub++
	sub := &Subscription{
		store:      s,
		id:         s.nextSub,
		collection: collection,
		filter:     filter,
		ch:         make(chan []Record, 4),
	}
	s.subs[sub.id] = sub
	s.mu.Unlock()
	return sub
}

// C yields record-set snapshots. The channel is closed on Cancel.
func (sub *Subscription) C() <-chan []Record {
	return sub.ch
}

// Cancel is idempotent; no snapshot is delivered after it returns.
func (sub *Subscription) Cancel() {
	sub.store.mu.Lock()
	delete(sub.store.subs, sub.id)
	sub.store.mu.Unlock()

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.canceled {
		return
	}
	sub.canceled = true
	close(sub.ch)
}

func (sub *Subscription) deliver(records []Record) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.canceled {
		return
	}
	for {
		select {
		case sub.ch <- records:
			return
		default:
		}
		// Full buffer: drop the oldest pending snapshot and retry.
		select {
		case <-sub.ch:
		default:
		}
	}
}

func (sub *Subscription) matches(collection, id string) bool {
	if sub.collection != collection {
		return false
	}
	if sub.filter.ID != "" && sub.filter.ID != id {
		return false
	}
	return true
}

func (s *Store) notify(ctx context.Context, collection, id string) {
	s.mu.Lock()
	targets := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.matches(collection, id) {
			targets = append(targets, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range targets {
		records, err := s.List(ctx, sub.collection, sub.filter)
		if err != nil {
			s.logger.Warn("subscription refresh failed", "collection", sub.collection, "err", err)
			continue
		}
		sub.deliver(records)
	}
}
