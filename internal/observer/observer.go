package observer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-compute/internal/ledger"
	"github.com/rcourtman/pulse-compute/internal/rcmetrics"
)

// Mode selects how the observer reads from its Source.
type Mode string

const (
	// ModeSubscribe catches up by polling, then follows a live subscription.
	ModeSubscribe Mode = "subscribe"
	// ModePoll polls on a fixed interval.
	ModePoll Mode = "poll"
)

// Config tunes an Observer. Zero values take defaults.
type Config struct {
	Mode         Mode
	PollInterval time.Duration
	BatchSize    int
	// RetryDelay is how long a nacked delivery waits before it is offered again.
	RetryDelay time.Duration
	// ResubscribeDelay is the pause after a broken subscription.
	ResubscribeDelay time.Duration
	// Kinds are the event kinds delivered downstream. Other kinds advance
	// the cursor without delivery.
	Kinds []ledger.EventKind
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeSubscribe
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 10 * time.Second
	}
	if c.ResubscribeDelay <= 0 {
		c.ResubscribeDelay = 2 * time.Second
	}
	if len(c.Kinds) == 0 {
		c.Kinds = []ledger.EventKind{ledger.EventPurchased, ledger.EventTerminated}
	}
	return c
}

type dedupKey struct {
	id   uint64
	kind ledger.EventKind
}

// Delivery is one event handed to the consumer. The consumer must call Done
// exactly once: nil marks the logical event handled, an error offers it
// again after the retry delay.
type Delivery struct {
	Event ledger.Event

	o    *Observer
	once sync.Once
}

func (d *Delivery) Done(err error) {
	d.once.Do(func() { d.o.complete(d, err) })
}

// Observer turns a Source into a single deduplicated, at-least-once stream.
// Its cursor only advances over a contiguous prefix of resolved sequences,
// so an event in flight at shutdown is seen again after restart.
type Observer struct {
	src     Source
	cp      *Checkpoint
	cfg     Config
	metrics *rcmetrics.Metrics
	kinds   map[ledger.EventKind]bool

	out chan *Delivery

	mu       sync.Mutex
	runCtx   context.Context
	stopped  bool
	wg       sync.WaitGroup
	cursor   uint64
	next     uint64
	resolved map[uint64]bool
	inflight map[dedupKey]uint64
}

func New(src Source, cp *Checkpoint, cfg Config, metrics *rcmetrics.Metrics) *Observer {
	cfg = cfg.withDefaults()
	kinds := make(map[ledger.EventKind]bool, len(cfg.Kinds))
	for _, k := range cfg.Kinds {
		kinds[k] = true
	}
	return &Observer{
		src:      src,
		cp:       cp,
		cfg:      cfg,
		metrics:  metrics,
		kinds:    kinds,
		out:      make(chan *Delivery),
		resolved: make(map[uint64]bool),
		inflight: make(map[dedupKey]uint64),
	}
}

// Events is the consumable stream. It is closed when Run returns.
func (o *Observer) Events() <-chan *Delivery { return o.out }

// Cursor returns the highest sequence handled without gaps.
func (o *Observer) Cursor() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cursor
}

// Run reads the source until ctx is done.
func (o *Observer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		o.mu.Lock()
		o.stopped = true
		o.mu.Unlock()
		o.wg.Wait()
		close(o.out)
	}()

	cursor, err := o.cp.Cursor(ctx)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.runCtx = ctx
	o.cursor = cursor
	o.next = cursor
	o.mu.Unlock()
	o.metrics.SetCursor(cursor)

	log.Info().
		Str("mode", string(o.cfg.Mode)).
		Uint64("cursor", cursor).
		Msg("Event observer started")

	switch o.cfg.Mode {
	case ModePoll:
		err = o.runPoll(ctx)
	case ModeSubscribe:
		err = o.runSubscribe(ctx)
	default:
		err = fmt.Errorf("unknown observer mode %q", o.cfg.Mode)
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (o *Observer) runPoll(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := o.catchUp(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().Err(err).Msg("Event poll failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (o *Observer) runSubscribe(ctx context.Context) error {
	for {
		err := o.catchUp(ctx)
		if err == nil {
			err = o.follow(ctx)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).Dur("retry_in", o.cfg.ResubscribeDelay).Msg("Event subscription interrupted")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.cfg.ResubscribeDelay):
		}
	}
}

// catchUp polls until the source has nothing newer than the fetch position.
func (o *Observer) catchUp(ctx context.Context) error {
	for {
		events, err := o.src.Poll(ctx, o.fetchPosition(), o.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("poll events: %w", err)
		}
		for _, ev := range events {
			if err := o.accept(ctx, ev); err != nil {
				return err
			}
		}
		if len(events) < o.cfg.BatchSize {
			return nil
		}
	}
}

func (o *Observer) follow(ctx context.Context) error {
	sub, err := o.src.Subscribe(ctx, o.fetchPosition())
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Close()
	for ev := range sub.Events() {
		if err := o.accept(ctx, ev); err != nil {
			return err
		}
	}
	if err := sub.Err(); err != nil {
		return err
	}
	return errors.New("event stream closed")
}

func (o *Observer) fetchPosition() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.next
}

// accept filters one fetched event and, if it needs handling, blocks until
// the consumer takes it.
func (o *Observer) accept(ctx context.Context, ev ledger.Event) error {
	o.mu.Lock()
	if ev.Seq <= o.next {
		o.mu.Unlock()
		return nil
	}
	// The source skipped sequences; nothing will ever arrive for them.
	for s := o.next + 1; s < ev.Seq; s++ {
		o.resolved[s] = true
	}
	o.next = ev.Seq
	o.mu.Unlock()

	kind := string(ev.Kind)
	if !o.kinds[ev.Kind] {
		o.metrics.ObserverEvent(kind, "ignored")
		return o.resolve(ctx, ev.Seq)
	}

	key := dedupKey{id: ev.EntitlementID, kind: ev.Kind}
	handled, err := o.cp.Handled(ctx, key.id, key.kind)
	if err != nil {
		return err
	}
	o.mu.Lock()
	_, busy := o.inflight[key]
	if !handled && !busy {
		o.inflight[key] = ev.Seq
	}
	o.mu.Unlock()
	if handled || busy {
		o.metrics.ObserverEvent(kind, "duplicate")
		log.Debug().
			Uint64("seq", ev.Seq).
			Str("kind", kind).
			Uint64("entitlement_id", ev.EntitlementID).
			Msg("Skipping duplicate ledger event")
		return o.resolve(ctx, ev.Seq)
	}

	d := &Delivery{Event: ev, o: o}
	select {
	case o.out <- d:
		o.metrics.ObserverEvent(kind, "delivered")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Observer) complete(d *Delivery, err error) {
	ev := d.Event
	key := dedupKey{id: ev.EntitlementID, kind: ev.Kind}
	o.mu.Lock()
	ctx := o.runCtx
	o.mu.Unlock()

	if err == nil {
		if markErr := o.cp.MarkHandled(context.WithoutCancel(ctx), key.id, key.kind, ev.Seq); markErr != nil {
			log.Error().Err(markErr).Uint64("seq", ev.Seq).Msg("Failed to record handled event")
		}
		o.mu.Lock()
		delete(o.inflight, key)
		o.mu.Unlock()
		o.metrics.ObserverEvent(string(ev.Kind), "handled")
		if resolveErr := o.resolve(context.WithoutCancel(ctx), ev.Seq); resolveErr != nil {
			log.Error().Err(resolveErr).Uint64("seq", ev.Seq).Msg("Failed to persist observer cursor")
		}
		return
	}

	o.metrics.ObserverEvent(string(ev.Kind), "retried")
	log.Warn().
		Err(err).
		Uint64("seq", ev.Seq).
		Str("kind", string(ev.Kind)).
		Uint64("entitlement_id", ev.EntitlementID).
		Dur("retry_in", o.cfg.RetryDelay).
		Msg("Ledger event not handled, will redeliver")

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()
	go func() {
		defer o.wg.Done()
		select {
		case <-ctx.Done():
			return
		case <-time.After(o.cfg.RetryDelay):
		}
		redelivery := &Delivery{Event: ev, o: o}
		select {
		case o.out <- redelivery:
		case <-ctx.Done():
		}
	}()
}

// resolve marks seq finished and advances the persisted cursor over the
// contiguous resolved prefix.
func (o *Observer) resolve(ctx context.Context, seq uint64) error {
	o.mu.Lock()
	o.resolved[seq] = true
	advanced := false
	for o.resolved[o.cursor+1] {
		delete(o.resolved, o.cursor+1)
		o.cursor++
		advanced = true
	}
	cursor := o.cursor
	o.mu.Unlock()

	if !advanced {
		return nil
	}
	o.metrics.SetCursor(cursor)
	return o.cp.SetCursor(ctx, cursor)
}
