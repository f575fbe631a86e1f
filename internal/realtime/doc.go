// Package realtime provides the connection gateway and the three primitives
// feature modules are built on.
//
// The package implements:
//   - Rooms: room membership mirrored through a Backplane, plus presence
//   - Events: per-connection event handler table with a panic-safe dispatch
//   - Broadcaster: room, connection, room-except and global emission
//   - Gateway: authentication, connection registration and module lifecycle
//
// Modules see only the RoomManager, EventRegistry and Emitter interfaces,
// never the transport.
package realtime
