// Package database manages the PostgreSQL connection pool backing the
// shared session store.
package database
