// Package frame implements the wire envelope exchanged over the socket.
//
// A Frame is a closed set of variants (Subscribe, Publish, Suback, Event,
// OnSrc, Error) discriminated by the "type" field. Decode never panics on
// bad input: unknown types and malformed payloads come back as a
// *DecodeError.
package frame
