// Package metrics defines the collection interfaces the adaptor
// reports into. A nil collector disables collection with zero
// overhead; the Prometheus-backed implementation lives in the
// prometheus subpackage.
package metrics

// AdaptorMetrics collects NABU adaptor activity.
//
// Implementations must be safe for concurrent use; every method is
// called from connection workers.
type AdaptorMetrics interface {
	// RecordConnectionAccepted counts a new serial or TCP session.
	RecordConnectionAccepted(kind string)

	// RecordConnectionClosed counts a session ending.
	RecordConnectionClosed(kind string)

	// SetActiveConnections tracks the live session count.
	SetActiveConnections(n int)

	// RecordRequest counts one classic request by handler name.
	RecordRequest(name string)

	// RecordUnknownRequest counts opcodes nobody claimed.
	RecordUnknownRequest()

	// RecordPacketSent counts one framed packet and its escaped size.
	RecordPacketSent(bytes int)

	// RecordUnauthorized counts UNAUTHORIZED replies.
	RecordUnauthorized()

	// RecordWatchdogTimeout counts requests abandoned by the watchdog.
	RecordWatchdogTimeout()

	// RecordImageLoad counts image loads by outcome ("ok" or "error").
	RecordImageLoad(outcome string)
}
