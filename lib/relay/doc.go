// Package relay implements the cross-node diff stream: every locally
// committed diff is published once, keyed by document id, and delivered
// at-least-once to all other nodes hosting the same document.
//
// The relay carries no ordering guarantee beyond per-publisher order and
// no exactly-once guarantee. Both are deliberate: the CRDT layer absorbs
// duplicates and reordering, so the transport can stay simple and lossy
// retries are safe. The stream is not filtered per document: a handler
// sees every envelope, because a diff for a document a node does not host
// yet is what makes the node start hosting it. Handlers filter their own
// node id, so a node never processes its own publications.
//
// Two implementations:
//   - memory: in-process topic fan-out for tests and the bench command
//   - kafka:  IBM/sarama producer/consumer-group pair; publishing goes
//     through a bounded local queue with worker goroutines and capped
//     exponential backoff, so a slow or unreachable broker never blocks
//     the edit path (events are dropped with a log line and a metric
//     once retries are exhausted - the system degrades to local-only
//     collaboration, it does not stall)
//
// Envelopes cross the wire through an IEnvelopeSerializer; JSON is the
// default, a length-prefixed binary codec is available where throughput
// matters.
package relay
