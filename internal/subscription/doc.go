// Package subscription implements the SubscriptionManager: it sends
// subscribe requests carrying the locally known sid and cursor, correlates
// the asynchronous acknowledgments, and reconciles the local session with
// the sid the server issues.
//
// On acknowledgment, for the destination it correlates to:
//   - no local session: the issued sid is stored
//   - a different local sid: the session is reset (cached batches dropped,
//     record replaced with the new sid and no cursor)
//   - the same sid: cached batches of that sid and destination are replayed
//     without being cached again
//
// Event and source-change frames are forwarded to the event processor.
package subscription
