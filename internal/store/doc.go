// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// The store package is interface-driven:
//
//   - ConversationStore: conversations and their append-only message logs
//   - UserStore: the local user directory the chat core reads for lookups and slot limits
//   - NotificationStore: durable per-user notifications
//
// SQLiteStore implements all of them in a single struct. MockStore is the
// in-memory equivalent for unit tests and enforces the same invariants.
//
// # Participant Pairs
//
// A conversation always has exactly two participants, stored in canonical
// (byte-wise lexicographic) order:
//
//	pair, _ := store.NormalizePair("zoe", "adam") // [adam zoe]
//
// At most one conversation per pair may be open (active or paused). SQLite
// enforces this with a partial unique index:
//
//	CREATE UNIQUE INDEX idx_conversations_open_pair
//		ON conversations(participant_a, participant_b)
//		WHERE status IN ('active', 'paused');
//
// Losing an insert race yields ErrDuplicateConversation; callers re-fetch the
// existing conversation with FindOpenByPair.
//
// # Messages
//
// AppendMessage runs in a transaction: it checks the conversation is active,
// assigns the next per-conversation sequence number, inserts the message and
// bumps last_active. Appends to a non-active conversation return a
// *StatusConflictError carrying the current status.
//
// # Active Slots
//
// User.ActiveConversations is derived on read from the number of conversations
// with status active. Paused and closed conversations do not hold a slot.
//
// # SQLite Configuration
//
// The store uses WAL mode, a busy timeout and a single pooled connection so
// multi-statement writes are serialized:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Use ":memory:" for throwaway databases.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateConversation: an open conversation already exists for the pair
//   - ErrInvalidPair: participants are empty or identical
//   - ErrTerminal: status change attempted on a closed conversation
//   - *StatusConflictError (wraps ErrNotActive): append to a non-active conversation
package store
