// Package webchat delivers generations to live client connections.
//
// Ownership model:
//   - Registry owns the set of live channels per identity. Nothing else keeps
//     a reference to a channel past its registry entry.
//   - StreamCoordinator turns one provider stream into start/chunk/end|error
//     frames under a single message id.
//   - ChatService runs admission, ownership checks and persistence around
//     generation; StreamHub dispatches inbound websocket frames to it.
//
// Recommended setup:
//   - Build a Registry, a ChatService and a StreamHub sharing one FrameSink
//     (the Registry itself, or a relay wrapping it for multi-instance fan-out).
//   - Mount NewRouter and run it with NewServer.
package webchat
