// Package connection implements the Connection component.
//
// The Connection:
//   - Owns a single websocket to the stream server
//   - Moves through Closed, Connecting, Open and Closing
//   - Acquires a fresh bearer credential on every connect attempt
//   - Decodes inbound messages into frames and hands them to handlers in
//     arrival order
//   - Reconnects after an unsolicited close with exponential backoff
//     (factor 1.5, capped, reset on a successful open)
package connection
