package channel

import (
	"context"
	"sync"
	"time"

	"marketrelay/internal/models"
	"marketrelay/logger"
)

// Frame is one raw text frame read from the upstream feed.
type Frame struct {
	Domain     models.Domain
	Data       []byte
	ReceivedAt time.Time
}

type ChannelStats struct {
	RawSent    int64
	RawDropped int64
}

// Channels holds one raw frame queue per domain between the feed readers and
// the processor. Sends never block the reader.
type Channels struct {
	raw map[models.Domain]chan Frame

	stats      map[models.Domain]*ChannelStats
	statsMutex sync.RWMutex
	closeOnce  sync.Once
	log        *logger.Log
}

func NewChannels(domains []models.Domain, rawBufferSize int) *Channels {
	if rawBufferSize < 1 {
		rawBufferSize = 1
	}
	log := logger.GetLogger()
	c := &Channels{
		raw:   make(map[models.Domain]chan Frame, len(domains)),
		stats: make(map[models.Domain]*ChannelStats, len(domains)),
		log:   log,
	}
	for _, d := range domains {
		c.raw[d] = make(chan Frame, rawBufferSize)
		c.stats[d] = &ChannelStats{}
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"domains":         len(domains),
		"raw_buffer_size": rawBufferSize,
	}).Info("channels initialized")

	return c
}

// Domains lists the domains that have a queue.
func (c *Channels) Domains() []models.Domain {
	out := make([]models.Domain, 0, len(c.raw))
	for _, d := range models.Domains {
		if _, ok := c.raw[d]; ok {
			out = append(out, d)
		}
	}
	return out
}

// Raw returns the receive side of the domain queue, or nil for an unknown domain.
func (c *Channels) Raw(d models.Domain) <-chan Frame {
	return c.raw[d]
}

// SendRaw enqueues f without blocking. It returns false when the queue is
// full, the domain is unknown or ctx is done.
func (c *Channels) SendRaw(ctx context.Context, f Frame) bool {
	ch, ok := c.raw[f.Domain]
	if !ok {
		return false
	}
	select {
	case ch <- f:
		c.increment(f.Domain, false)
		return true
	case <-ctx.Done():
		return false
	default:
		c.increment(f.Domain, true)
		return false
	}
}

func (c *Channels) increment(d models.Domain, dropped bool) {
	c.statsMutex.Lock()
	if s := c.stats[d]; s != nil {
		if dropped {
			s.RawDropped++
		} else {
			s.RawSent++
		}
	}
	c.statsMutex.Unlock()
}

func (c *Channels) GetStats(d models.Domain) ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	if s := c.stats[d]; s != nil {
		return *s
	}
	return ChannelStats{}
}

// Occupancy returns the current length and capacity of the domain queue.
func (c *Channels) Occupancy(d models.Domain) (int, int) {
	ch := c.raw[d]
	return len(ch), cap(ch)
}

// StartMetricsReporting logs per-domain send and drop counters every interval.
func (c *Channels) StartMetricsReporting(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.logChannelStats()
			}
		}
	}()
}

func (c *Channels) logChannelStats() {
	for _, d := range c.Domains() {
		stats := c.GetStats(d)
		length, capacity := c.Occupancy(d)
		c.log.WithComponent("channels").WithFields(logger.Fields{
			"domain":          d.String(),
			"raw_sent":        stats.RawSent,
			"raw_dropped":     stats.RawDropped,
			"raw_channel_len": length,
			"raw_channel_cap": capacity,
		}).Info("channel statistics")
	}
}

// Close closes every queue. Producers must have stopped.
func (c *Channels) Close() {
	c.closeOnce.Do(func() {
		for _, ch := range c.raw {
			close(ch)
		}
		c.log.WithComponent("channels").Info("channels closed")
	})
}
