// Package session implements the SessionStore: the durable, per-destination
// session identity (sid) and delivery cursor (gid).
//
// Two engines are provided:
//   - PebbleStore: embedded, the default for a single client process
//   - PostgresStore: shared PostgreSQL table via pgxpool
//
// Every failure is logged and returned; callers decide whether it is fatal
// to the protocol step in flight.
package session
