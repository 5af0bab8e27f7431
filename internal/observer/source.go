package observer

import (
	"context"
	"sync"

	"github.com/rcourtman/pulse-compute/internal/ledger"
)

// Source yields ledger events in sequence order. Implementations must return
// events with strictly increasing Seq; redelivery of already seen sequences
// is allowed and filtered by the observer.
type Source interface {
	// Poll returns up to limit events with Seq > after.
	Poll(ctx context.Context, after uint64, limit int) ([]ledger.Event, error)
	// Subscribe streams events with Seq > after until ctx is done or the
	// stream breaks.
	Subscribe(ctx context.Context, after uint64) (Subscription, error)
}

// Subscription is a live event stream. Events is closed when the stream
// ends; Err then reports why.
type Subscription interface {
	Events() <-chan ledger.Event
	Err() error
	Close() error
}

// LedgerSource reads events from an in-process ledger.
type LedgerSource struct {
	l *ledger.Ledger
}

func NewLedgerSource(l *ledger.Ledger) *LedgerSource {
	return &LedgerSource{l: l}
}

func (s *LedgerSource) Poll(ctx context.Context, after uint64, limit int) ([]ledger.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.l.EventsSince(after, limit), nil
}

func (s *LedgerSource) Subscribe(ctx context.Context, after uint64) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &streamSubscription{events: make(chan ledger.Event, 64), cancel: cancel}
	notify, stop := s.l.Watch()
	go func() {
		defer close(sub.events)
		defer stop()
		cursor := after
		for {
			for _, ev := range s.l.EventsSince(cursor, 0) {
				select {
				case sub.events <- ev:
					cursor = ev.Seq
				case <-ctx.Done():
					sub.finish(ctx.Err())
					return
				}
			}
			select {
			case <-notify:
			case <-ctx.Done():
				sub.finish(ctx.Err())
				return
			}
		}
	}()
	return sub, nil
}

// streamSubscription is a channel-backed Subscription fed by one goroutine.
type streamSubscription struct {
	events chan ledger.Event
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

// NewStreamSubscription returns a Subscription whose feed calls send for
// each event and finish once when done. It is used by transports that
// deliver events from their own read loop.
func NewStreamSubscription(cancel context.CancelFunc) (sub Subscription, send chan<- ledger.Event, finish func(error)) {
	s := &streamSubscription{events: make(chan ledger.Event, 64), cancel: cancel}
	return s, s.events, func(err error) {
		s.finish(err)
		close(s.events)
	}
}

func (s *streamSubscription) Events() <-chan ledger.Event { return s.events }

func (s *streamSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *streamSubscription) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

func (s *streamSubscription) finish(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}
