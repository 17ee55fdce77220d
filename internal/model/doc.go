// Package model defines the data types shared by the session engine.
//
// Conventions:
//   - Destinations, sids and gids are opaque strings issued by the server
//   - Event payloads are kept as raw JSON and never re-encoded
//   - JSON tags match the wire shape of the event batch
package model
