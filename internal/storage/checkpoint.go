package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/dreamware/layoutd/internal/design"
)

// LoadDesign restores the design saved under key, or returns an empty one if
// nothing was saved yet.
func LoadDesign(st Store, key string) (*design.Store, error) {
	raw, err := st.Get(key)
	if errors.Is(err, ErrKeyNotFound) {
		return design.New(), nil
	}
	if err != nil {
		return nil, err
	}
	return design.Load(raw)
}

// Checkpointer saves a design to a Store whenever it is told the design
// changed, coalescing bursts of changes into one write.
//
// Lifecycle follows the monitor pattern used elsewhere: Start blocks until
// Stop is called or its context ends, and a final save happens on the way
// out.
type Checkpointer struct {
	store  Store
	key    string
	source func() ([]byte, error)
	logger *slog.Logger

	pending   chan struct{} // capacity 1
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	finalOnce sync.Once

	mu       sync.Mutex
	saves    int
	lastSize int
	stopped  bool
}

// NewCheckpointer creates a checkpointer that stores source() under key.
// source must return a consistent state, such as a published snapshot.
func NewCheckpointer(st Store, key string, source func() ([]byte, error), logger *slog.Logger) *Checkpointer {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Checkpointer{
		store:   st,
		key:     key,
		source:  source,
		logger:  logger.With("design", key),
		pending: make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Notify marks the design dirty. It never blocks, so it can be used directly
// as a coordinator snapshot subscriber.
func (c *Checkpointer) Notify() {
	select {
	case c.pending <- struct{}{}:
	default:
	}
}

// Start saves on every notification until ctx ends or Stop is called.
func (c *Checkpointer) Start(ctx context.Context) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	for {
		select {
		case <-c.pending:
			if err := c.Save(); err != nil {
				c.logger.Error("checkpoint failed", "err", err)
			}
		case <-ctx.Done():
			c.finalOnce.Do(c.final)
			return
		case <-c.ctx.Done():
			c.finalOnce.Do(c.final)
			return
		}
	}
}

// Stop ends Start and returns after the final save, which it performs
// itself if Start never ran.
func (c *Checkpointer) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
	c.finalOnce.Do(c.final)
}

// Save writes the current design immediately.
func (c *Checkpointer) Save() error {
	start := time.Now()
	raw, err := c.source()
	if err != nil {
		return fmt.Errorf("checkpoint %s: %w", c.key, err)
	}
	if err := c.store.Put(c.key, raw); err != nil {
		return fmt.Errorf("checkpoint %s: %w", c.key, err)
	}
	c.mu.Lock()
	c.saves++
	c.lastSize = len(raw)
	c.mu.Unlock()
	c.logger.Debug("checkpoint saved", "size", humanize.Bytes(uint64(len(raw))), "elapsed", time.Since(start))
	return nil
}

// Saves returns the number of successful saves and the size of the last one.
func (c *Checkpointer) Saves() (count, lastSize int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saves, c.lastSize
}

func (c *Checkpointer) final() {
	if err := c.Save(); err != nil {
		c.logger.Error("final checkpoint failed", "err", err)
		return
	}
	_, size := c.Saves()
	c.logger.Info("design checkpointed", "size", humanize.Bytes(uint64(size)))
}
