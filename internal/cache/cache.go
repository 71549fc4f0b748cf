package cache

import (
	"context"
	"sync"
	"time"

	"gitlab.ozon.dev/qwestard/console/internal/models"
	"gitlab.ozon.dev/qwestard/console/internal/repository"
)

// ActiveOrdersCache holds the orders shown on the active board. It is a
// transient per-process copy; the repository stays authoritative and
// entries are replaced whenever a fresher canonical read arrives.
type ActiveOrdersCache struct {
	mu     sync.RWMutex
	orders map[string]*models.Order
}

func NewActiveOrdersCache() *ActiveOrdersCache {
	return &ActiveOrdersCache{
		orders: make(map[string]*models.Order),
	}
}

func (c *ActiveOrdersCache) Get(id string) (*models.Order, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.orders[id]
	return o, ok
}

func (c *ActiveOrdersCache) Put(o *models.Order) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if o.IsTerminal() {
		delete(c.orders, o.ID)
		return
	}
	c.orders[o.ID] = o
}

func (c *ActiveOrdersCache) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.orders, id)
}

func (c *ActiveOrdersCache) List() []*models.Order {
	c.mu.RLock()
	defer c.mu.RUnlock()
	orders := make([]*models.Order, 0, len(c.orders))
	for _, o := range c.orders {
		orders = append(orders, o)
	}
	return orders
}

func (c *ActiveOrdersCache) Refresh(ctx context.Context, repo repository.Repository) error {
	orders, err := repo.List(ctx, repository.ListFilter{Group: repository.GroupActive, Limit: 1000})
	if err != nil {
		return err
	}
	newMap := make(map[string]*models.Order, len(orders))
	for _, o := range orders {
		newMap[o.ID] = o
	}
	c.mu.Lock()
	c.orders = newMap
	c.mu.Unlock()
	return nil
}

func (c *ActiveOrdersCache) StartAutoRefresh(ctx context.Context, repo repository.Repository, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.Refresh(ctx, repo); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
