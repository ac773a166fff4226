// Package broker implements the real-time push layer for fireside-gateway.
//
// # Protocol
//
// Clients connect over WebSocket and exchange JSON frames modeled on STOMP:
//
//	{"command":"SUBSCRIBE","headers":{"destination":"/user/alice/queue/messages","id":"sub-0"}}
//	{"command":"MESSAGE","headers":{"destination":"...","message-id":"...","content-type":"application/json"},"body":"{...}"}
//
// The handshake must carry a JWT (query parameter or bearer header). The
// server answers with a CONNECTED frame.
//
// # Destinations
//
//	/topic/chat/{conversationId}/status
//	/topic/chat/{conversationId}/messages
//	/user/{userId}/queue/conversation-status
//	/user/{userId}/queue/messages
//	/user/{userId}/queue/notifications
//
// A connection may subscribe only to its own /user/{id}/ queues. Topic
// subscriptions are checked by an optional SubscriptionAuthorizer.
//
// # Publishing
//
// Publish never blocks on a client. Each connection has a bounded send
// buffer; a client that lets it fill is disconnected.
package broker
