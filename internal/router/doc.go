// Package router implements the EventProcessor: it gates event batches on
// the stored cursor, queues delivered batches for the replay cache, and fans
// payloads out to the listeners registered for each destination.
//
// Delivery is gated per batch only. A destination without a stored cursor
// receives the batch as-is; a destination with a cursor receives every
// non-empty batch. Events inside a batch are never filtered against the
// cursor.
package router
