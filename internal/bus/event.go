package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds are dotted and grouped by namespace:
//
//	rt.*             raw transport events (connected, message, ack, ...)
//	transport.*      connection status changes
//	sync.*           sync cycle lifecycle
//	message.*        single message changes
//	messages.*       batched message changes
//	conversations.*  conversation list changes
//	typing.*         typing indicators
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
