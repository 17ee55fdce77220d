// Package client wires the session engine together and exposes the
// application-facing API: subscribe with durable resumption, register
// listeners, publish, and close.
//
// A Client owns one connection, one session store and one replay cache. With
// the default Pebble driver the store and cache share a single database under
// cache_db_name (in-memory when empty).
package client
