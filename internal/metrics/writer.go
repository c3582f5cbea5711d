package metrics

import "marketrelay/logger"

// WriterStats holds metrics for the checkpoint writer.
type WriterStats struct {
	RowsWritten  int64
	FilesWritten int64
	BytesWritten int64
	ErrorsCount  int64
}

// ReportWriter emits common writer metrics using the provided logger and component name.
func ReportWriter(log *logger.Log, component string, stats WriterStats) {
	errorRate := float64(0)
	if stats.FilesWritten+stats.ErrorsCount > 0 {
		errorRate = float64(stats.ErrorsCount) / float64(stats.FilesWritten+stats.ErrorsCount)
	}

	avgBytesPerFile := float64(0)
	if stats.FilesWritten > 0 {
		avgBytesPerFile = float64(stats.BytesWritten) / float64(stats.FilesWritten)
	}

	EmitMetric(log, component, "rows_written", stats.RowsWritten, "counter", logger.Fields{"unit": "count"})
	EmitMetric(log, component, "files_written", stats.FilesWritten, "counter", logger.Fields{"unit": "count"})
	EmitMetric(log, component, "bytes_written", stats.BytesWritten, "counter", logger.Fields{"unit": "bytes"})
	EmitMetric(log, component, "errors_count", stats.ErrorsCount, "counter", logger.Fields{"unit": "count"})
	EmitMetric(log, component, "error_rate", errorRate, "gauge", logger.Fields{"unit": "percent"})

	entry := log.WithComponent(component).WithFields(logger.Fields{
		"rows_written":       stats.RowsWritten,
		"files_written":      stats.FilesWritten,
		"bytes_written":      stats.BytesWritten,
		"errors_count":       stats.ErrorsCount,
		"error_rate":         errorRate,
		"avg_bytes_per_file": avgBytesPerFile,
	})

	if stats.ErrorsCount > 0 {
		entry.Warn(component + " metrics")
		return
	}

	entry.Info(component + " metrics")
}
