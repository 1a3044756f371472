// SPDX-License-Identifier: MIT
package transport

import (
	"livepv/internal/control"
	"livepv/internal/log"
)

// LoggingTransport implements the Transport interface by logging status
// snapshots at debug level. It stands in when no network surface is set up.
type LoggingTransport struct {
	logger *log.Logger
}

// NewLoggingTransport creates a new LoggingTransport instance.
func NewLoggingTransport() *LoggingTransport {
	return &LoggingTransport{logger: log.With("status")}
}

// Send logs the received data.
func (lt *LoggingTransport) Send(data any) error {
	switch v := data.(type) {
	case control.Status:
		lt.logger.Debug("status",
			"gen", v.Generation,
			"module", v.Module,
			"stretch", v.Stretch,
			"pitch", v.Pitch,
			"ring_fill", v.RingFill,
			"underruns", v.Underruns,
			"overruns", v.Overruns,
			"peak_hz", v.PeakHz)
	default:
		lt.logger.Debugf("%T: %+v", data, data)
	}
	return nil // Logging transport never fails to "send"
}

// Close is a no-op for LoggingTransport.
func (lt *LoggingTransport) Close() error {
	return nil
}

// Ensure LoggingTransport satisfies the interface at compile time.
var _ Transport = (*LoggingTransport)(nil)
