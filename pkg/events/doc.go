/*
Package events provides the in-memory event bus for Warden's pub/sub
messaging.

The bus carries two typed channels: server events (instance lifecycle
transitions plus child stdio log lines) and app events (workspace,
session and profile changes). Emit stamps each event with the current
time and enqueues it on every subscriber's bounded queue; a dedicated
worker goroutine per subscriber drains the queue and invokes the
handler, so a slow subscriber never blocks the emitter or its peers.

On queue overflow the oldest log event is evicted first. Lifecycle
events are never dropped; if a queue backs up with nothing but lifecycle
events a warning is logged and the queue grows past its bound.

Ordering: events emitted for a single instance key are delivered to each
subscriber in emit order. No ordering holds across keys.
*/
package events
