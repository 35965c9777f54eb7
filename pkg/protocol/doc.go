// Package protocol implements the binary wire protocol spoken between the
// collaboration server and its providers.
//
// # Wire Format
//
// Every message is a single WebSocket binary frame:
//
//	┌──────────────────────┬────────────────────┬─────────────────────┐
//	│ Document name        │ Message type       │ Payload             │
//	│ (varstring)          │ (varuint)          │ (type specific)     │
//	└──────────────────────┴────────────────────┴─────────────────────┘
//
// One socket may multiplex several documents; the document name routes the
// message. Receivers drop messages for names they do not serve.
//
// # Message Types
//
//   - MessageSync (0): state vector exchange and incremental updates
//   - MessageAwareness (1): presence states
//   - MessageAuth (2): token, permission denied, authenticated
//   - MessageQueryAwareness (3): request for all presence states
//   - MessageStateless (5): opaque application payloads
//   - MessageClose (7): close request
//
// Types 4 and 6 are reserved.
//
// # Encoding
//
//   - Varuint: little-endian base-128, at most 2^53-1
//   - Varstring: varuint byte length + UTF-8 bytes
//   - Varbytes: varuint length + raw bytes
//
// # Sync
//
// A peer opens with SyncStep1 carrying its state vector. The receiver
// answers with SyncStep2, the diff the sender is missing. From then on
// every local change travels as SyncUpdate:
//
//	[DocumentName][0][SyncStep1=0][StateVector: varbytes]
//	[DocumentName][0][SyncStep2=1][Update: varbytes]
//	[DocumentName][0][SyncUpdate=2][Update: varbytes]
package protocol
