package accounting

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Catalog holds in-memory snapshots of the customer and item catalogs,
// loaded at startup and refreshed on a timer. Matching runs against a
// snapshot, so a refresh mid-case never changes results for that case.
type Catalog struct {
	client   *Client
	logger   *slog.Logger
	interval time.Duration

	mu        sync.RWMutex
	customers []Customer
	items     []Item
	loadedAt  time.Time

	group singleflight.Group
}

// NewCatalog builds a Catalog refreshing every interval (default 1h).
func NewCatalog(client *Client, interval time.Duration, logger *slog.Logger) *Catalog {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Catalog{client: client, logger: logger, interval: interval}
}

// Load fetches both catalogs. Concurrent callers coalesce onto one fetch.
func (c *Catalog) Load(ctx context.Context) error {
	_, err, _ := c.group.Do("load", func() (any, error) {
		customers, err := c.client.ListCustomers(ctx)
		if err != nil {
			return nil, fmt.Errorf("accounting: load customers: %w", err)
		}
		items, err := c.client.ListItems(ctx)
		if err != nil {
			return nil, fmt.Errorf("accounting: load items: %w", err)
		}

		c.mu.Lock()
		c.customers = customers
		c.items = items
		c.loadedAt = time.Now()
		c.mu.Unlock()

		c.logger.Info("accounting catalog loaded",
			"customers", len(customers), "items", len(items))
		return nil, nil
	})
	return err
}

// Run refreshes the catalog on the configured interval until ctx is done.
// A failed refresh keeps the previous snapshot and logs.
func (c *Catalog) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Load(ctx); err != nil {
				c.logger.Error("accounting catalog refresh failed", "error", err)
			}
		}
	}
}

// Customers returns the current customer snapshot. The slice is shared;
// callers must not mutate it.
func (c *Catalog) Customers() []Customer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.customers
}

// Items returns the current item snapshot. The slice is shared; callers must
// not mutate it.
func (c *Catalog) Items() []Item {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.items
}

// LoadedAt reports when the snapshot was last refreshed (zero if never).
func (c *Catalog) LoadedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loadedAt
}
