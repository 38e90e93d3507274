package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"
)

const (
	defaultPollInterval = time.Second
	subscriberBuffer    = 128
)

// Hub tails the events table and fans new rows out to live subscribers. It
// polls the store rather than relying on in-process signals so streams stay
// correct when services run as separate processes against one database.
type Hub struct {
	db       *gorm.DB
	logger   *slog.Logger
	interval time.Duration

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	lastID int64
}

type subscriber struct {
	ch chan Event
}

// NewHub builds a hub tailing db at the given interval (<=0 selects 1s).
func NewHub(db *gorm.DB, logger *slog.Logger, interval time.Duration) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Hub{
		db:       db,
		logger:   logger,
		interval: interval,
		subs:     make(map[*subscriber]struct{}),
	}
}

// Run tails the log until ctx is cancelled. New subscribers only receive
// events appended after they subscribe; catch-up reads go through After.
func (h *Hub) Run(ctx context.Context) {
	last, err := LastID(h.db)
	if err != nil {
		h.logger.Error("event hub: initial cursor", slog.String("error", err.Error()))
	}
	h.mu.Lock()
	h.lastID = last
	h.mu.Unlock()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.poll()
		}
	}
}

func (h *Hub) poll() {
	h.mu.Lock()
	cursor := h.lastID
	h.mu.Unlock()

	evts, err := After(h.db, cursor, 500)
	if err != nil {
		h.logger.Error("event hub: poll", slog.String("error", err.Error()))
		return
	}
	if len(evts) == 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, evt := range evts {
		if evt.ID > h.lastID {
			h.lastID = evt.ID
		}
		for sub := range h.subs {
			select {
			case sub.ch <- evt:
			default:
				// A subscriber that cannot keep up is disconnected rather
				// than allowed to skip events; exactly-once means the stream
				// ends instead of silently gapping.
				close(sub.ch)
				delete(h.subs, sub)
			}
		}
	}
}

// Subscribe registers a live stream. The returned cancel must be called when
// the consumer goes away. A closed channel signals the consumer fell behind.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[sub]; ok {
			delete(h.subs, sub)
			close(sub.ch)
		}
	}
	return sub.ch, cancel
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		close(sub.ch)
		delete(h.subs, sub)
	}
}
