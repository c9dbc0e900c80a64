// Package server implements the websocket server for the collaboration
// engine. It exposes the session protocol over gorilla/websocket behind a
// gin router, along with read-only REST endpoints for document content and
// member listings.
//
// The package focuses on:
//   - Session handling: one websocket connection is one session attached to
//     one document, admitted before it joins the group
//   - Adapter pattern to decouple protocol handling from websocket plumbing
//   - Backend selection: snapshot store (memory/badger/mysql), relay
//     (memory/kafka) and presence (memory/redis) are built from ServerConfig
//   - Graceful shutdown with a final flush pass so no confirmed edit is lost
//
// Key Components:
//
//   - ISessionAdapter: Interface for session message handlers, with the
//     Handle method that processes one request against the registry and
//     presence tracker. A nil response means no reply is sent.
//
//   - NewSessionAdapter: Factory function creating the default adapter
//     translating update, sync, cursor and members messages into registry
//     and presence operations.
//
//   - NewCollabServer: Factory function creating a configured server with
//     the specified serializer, plus the backends named in the config.
//
// Usage Example:
//
//	// Create server configuration
//	config := common.ServerConfig{
//	  Endpoint: "0.0.0.0:8080",
//	  Storage:  common.StorageBadger,
//	  DataDir:  "/var/lib/dsync",
//	  Relay:    common.RelayMemory,
//	  Presence: common.PresenceMemory,
//	  FlushSec: 10,
//	  IdleSec:  300,
//	  EvictSec: 60,
//	  WriteSec: 5,
//	  LogLevel: "info",
//	}
//
//	// Create and start the server
//	s, err := server.NewCollabServer(
//	  config,
//	  serializer.NewBinarySerializer(),
//	)
//	if err != nil {
//	  log.Fatalf("Server error: %v", err)
//	}
//
//	// Start the server (blocks until SIGINT/SIGTERM)
//	if err := s.Serve(); err != nil {
//	  log.Fatalf("Server error: %v", err)
//	}
//
// Thread Safety:
//
//	The server is thread-safe and handles concurrent sessions across
//	documents. Each session runs its own read and write loop; committed
//	diffs are fanned out on pre-serialized frames without blocking the
//	merge path. The Serve method is not thread-safe and should be called
//	only once.
package server
