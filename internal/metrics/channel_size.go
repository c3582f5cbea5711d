package metrics

import (
	"context"
	"time"

	"marketrelay/internal/channel"
	"marketrelay/logger"
)

// StartChannelSizeMetrics emits occupancy metrics for every raw frame queue.
// Metrics are emitted every `interval` until the context is cancelled. When
// interval <= 0, a one-second cadence is used.
func StartChannelSizeMetrics(ctx context.Context, channels *channel.Channels, interval time.Duration) {
	if !IsFeatureEnabled(FeatureChannelSize) {
		return
	}
	if channels == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)
	component := "channel_buffers"

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, d := range channels.Domains() {
					length, capacity := channels.Occupancy(d)
					EmitMetric(log, component, d.String()+"_raw_buffer_length", length, "gauge", logger.Fields{
						"buffer":   d.String() + "_raw",
						"capacity": capacity,
					})
				}
			}
		}
	}()
}
