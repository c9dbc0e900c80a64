// Package client implements the websocket session client for the
// collaboration engine. It attaches to one document on a server and speaks
// the session protocol: updates out, acknowledgements and pushed diffs in.
//
// The package focuses on:
//   - Transparent session access over a single duplex websocket
//   - Integration with the serialization layer (the client must use the
//     same serializer as the server it talks to)
//   - Routing of interleaved traffic: pushed diffs never block request
//     roundtrips and vice versa
//
// Key Components:
//
//   - ISessionClient: The session interface with Submit, Sync,
//     PublishCursor, Members, the Diffs push channel and Close.
//
//   - NewSessionClient: Factory function that dials the server, attaches to
//     the configured document and starts the read loop.
//
// Usage Example:
//
//	// Configure the client
//	config := common.ClientConfig{
//	  Endpoint:      "ws://localhost:8080",
//	  DocID:         "readme",
//	  ClientID:      "alice",
//	  Name:          "Alice",
//	  TimeoutSecond: 5,
//	}
//
//	// Create a session (serializer must match the server)
//	sess, _ := client.NewSessionClient(config, serializer.NewBinarySerializer())
//	defer sess.Close()
//
//	// Submit an edit and catch up
//	sess.Submit(update)
//	diff, serverVV, _ := sess.Sync(localVV)
//
//	// Consume diffs pushed by other participants
//	for diff := range sess.Diffs() {
//	  // apply to the local replica
//	  _ = diff
//	}
//
// Thread Safety:
//
//	The client is thread-safe. Requests are serialized internally; cursor
//	publishes and the diff channel are independent of request roundtrips.
package client
