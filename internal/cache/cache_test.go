package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"gitlab.ozon.dev/qwestard/console/internal/models"
)

func TestActiveOrdersCachePut(t *testing.T) {
	c := NewActiveOrdersCache()

	c.Put(&models.Order{ID: "o1", Status: "new"})
	o, ok := c.Get("o1")
	assert.True(t, ok)
	assert.Equal(t, "o1", o.ID)

	// Terminal orders drop out of the active board.
	c.Put(&models.Order{ID: "o1", Status: "canceled"})
	_, ok = c.Get("o1")
	assert.False(t, ok)
}

func TestActiveOrdersCacheDelete(t *testing.T) {
	c := NewActiveOrdersCache()
	c.Put(&models.Order{ID: "o1", Status: "new"})
	c.Delete("o1")
	_, ok := c.Get("o1")
	assert.False(t, ok)
}

func TestActiveOrdersCacheList(t *testing.T) {
	c := NewActiveOrdersCache()
	c.Put(&models.Order{ID: "o1", Status: "new"})
	c.Put(&models.Order{ID: "o2", Status: "hold"})
	assert.Len(t, c.List(), 2)
}
