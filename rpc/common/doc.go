// Package common provides core data structures and utilities shared across
// the collaboration server. It defines fundamental types, configuration
// structures, and protocol elements used by other packages.
//
// The package focuses on:
//   - Message protocol definition for client sessions
//   - Configuration structure for the server
//   - Custom logging implementation with consistent formatting
//
// Key Components:
//
//   - Message: Core data structure for all session communication, with a
//     flexible structure that adapts to different operation types.
//     Includes factory methods for creating the various request and
//     response messages.
//
//   - MessageType: Enumeration defining all supported session operations:
//     update submission, diff broadcast, state-vector catch-up, cursor
//     publication, and presence listing.
//
//   - ServerConfig: Comprehensive configuration for a node, including the
//     snapshot storage backend, the cross-node relay, presence tracking,
//     admission, and scheduler intervals.
//
//   - Logger: Custom logging implementation providing consistent
//     formatting across the application.
package common
