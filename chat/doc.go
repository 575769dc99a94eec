// Package chat contains the live chat ingestion engine.
//
// It provides:
//   - Decode and the Encode* helpers: the wire codec of the chat socket. Every
//     inbound message decodes to exactly one of KeepAlivePing, ChatBatch,
//     ConnectAck or Unrecognized.
//   - Session: one physical socket connection. It sends the handshake once,
//     answers keep-alives (also while paused) and forwards the visible entries
//     of each chat batch unless paused.
//   - Loop: polls live status, resolves a fresh access token per connection,
//     keeps at most one Session open while the channel is live and the shared
//     Control is not paused, and reconnects after a short settle delay when a
//     session ends.
//   - Sender: an authenticated SEND connection used to post replies.
//
// Control is the paused/running state shared with external controllers. A
// pause closes the open connection; the loop idles until resumed.
package chat
