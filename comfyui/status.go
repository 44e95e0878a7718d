package comfyui

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/richinsley/comfy2go/client"
)

// statusTTL bounds how often the engine is asked for its status.
const statusTTL = 3 * time.Second

// Status is a snapshot of the engine: hardware and queue depth.
type Status struct {
	Stats          client.SystemStats `json:"stats"`
	QueueRemaining int                `json:"queue_remaining"`
}

// StatusCache fetches engine status at most once per statusTTL.
type StatusCache struct {
	client *Client

	mu       sync.Mutex
	cached   *Status
	cachedAt time.Time
}

func NewStatusCache(c *Client) *StatusCache {
	return &StatusCache{client: c}
}

// Get returns the cached status, refreshing it when stale.
func (s *StatusCache) Get(ctx context.Context) (*Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil && time.Since(s.cachedAt) < statusTTL {
		return s.cached, nil
	}
	status, err := s.client.Status(ctx)
	if err != nil {
		return nil, err
	}
	s.cached = status
	s.cachedAt = time.Now()
	return status, nil
}

// Status reads the engine's system stats and queue depth. The first call
// opens comfy2go's websocket, later calls reuse it.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stats, err := c.comfy.GetSystemStats()
	if err != nil {
		return nil, fmt.Errorf("failed to read system stats: %w", err)
	}
	queue, err := c.comfy.GetQueueExecutionInfo()
	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}
	return &Status{Stats: *stats, QueueRemaining: queue.ExecInfo.QueueRemaining}, nil
}
