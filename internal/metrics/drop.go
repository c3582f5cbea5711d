package metrics

import "marketrelay/logger"

// DropMetric identifies the metric name emitted when a queue drops a message.
type DropMetric string

const (
	// DropMetricRawFrame records frames dropped between a feed reader and the processor.
	DropMetricRawFrame DropMetric = "raw_frames_dropped"
	// DropMetricShardQueue records updates dropped on a full broadcaster shard.
	DropMetricShardQueue DropMetric = "broadcast_shard_dropped"
	// DropMetricListener records updates dropped on a slow subscriber.
	DropMetricListener DropMetric = "listener_updates_dropped"
	// DropMetricSignal records fallback signals dropped because nobody was listening.
	DropMetricSignal DropMetric = "fallback_signals_dropped"
	// DropMetricExport records updates dropped on a full Kafka export queue.
	DropMetricExport DropMetric = "export_updates_dropped"
)

// EmitDropMetric counts a single dropped message on the Prometheus drop
// counter and emits a structured metric event. Optional metadata (domain,
// symbol, stage) is added to the metric fields when provided.
func EmitDropMetric(log *logger.Log, metric DropMetric, domain, symbol, stage string) {
	fields := logger.Fields{}
	if domain != "" {
		fields["domain"] = domain
	}
	if symbol != "" {
		fields["symbol"] = symbol
	}
	if stage != "" {
		fields["stage"] = stage
	}

	IncDrop(string(metric))
	EmitMetric(log, "channel_drops", string(metric), 1, "counter", fields)
}
