// Package rpc provides the session layer of the collaboration engine. It
// acts as the communication layer between editor clients and servers,
// carrying updates, catch-up syncs and presence across network boundaries.
//
// The package is organized into several subpackages:
//
//   - common: Core data structures and utilities used across the session
//     layer, including the Message protocol, configuration structures, and
//     logging.
//
//   - serializer: Message serialization with multiple format options
//     (Binary, JSON, GOB) for converting between Message objects and byte
//     arrays.
//
//   - client: The websocket session client, allowing applications to attach
//     to a document on a remote server and exchange updates transparently.
//
//   - server: The websocket server components that handle sessions,
//     including the adapter translating protocol messages into registry and
//     presence operations.
package rpc
