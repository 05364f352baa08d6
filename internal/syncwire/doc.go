// Package syncwire moves operations between sites.
//
// It owns the message envelope: encoding operations and anti-entropy
// messages to canonical JSON, and decoding plus validating inbound messages
// before anything reaches the kernel. Malformed messages are protocol errors
// and are reported, never silently dropped.
//
// Three carriers implement Transport:
//   - WSClient: a websocket connection to a Relay, with reconnect
//   - Relay: the hub that fans each message out to every other peer
//   - Loopback: an in-memory bus with explicit delivery, for tests and the
//     scenario harness
package syncwire
