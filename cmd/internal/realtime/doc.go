// Package realtime is the notification and presence fabric: a connection
// registry keyed by user and topic, an event router that fans serialized
// frames out to bounded per-connection queues, and the websocket endpoint
// that feeds them.
//
// Delivery is best effort. Slow consumers lose frames rather than stall the
// router, and a consumer that stays slow is disconnected so it can reconnect
// and resynchronize from a fresh snapshot. Nothing in here is ever allowed to
// fail a domain operation.
package realtime
