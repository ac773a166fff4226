// Package gateway orchestrates the fireside-gateway server components.
//
// # Overview
//
// The gateway owns the SQLite store, the WebSocket broker, the notification
// sink and the conversation service, and exposes them over a single HTTP
// server. It can listen on a plain TCP address or join a tailnet through
// tsnet.
//
// # HTTP API
//
//	POST  /api/conversations                 create or return the open conversation
//	GET   /api/conversations                 inbox summaries
//	GET   /api/conversations/{id}/messages   full thread
//	POST  /api/conversations/{id}/messages   append (optional Idempotency-Key)
//	PATCH /api/conversations/{id}/pause
//	PATCH /api/conversations/{id}/resume
//	PATCH /api/conversations/{id}/close
//	GET   /api/notifications
//	PUT   /api/admin/users/{id}              admin only
//	GET   /ws                                broker WebSocket
//	GET   /health, /health/ready, /metrics
//
// Every /api route requires a bearer token whose subject is a known,
// unsuspended user. Failed calls return a JSON body with a message field;
// quota failures add blockedFor, currentCount and maxAllowed, and conflicts
// add the conversation status.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	if err != nil { ... }
//	err = gw.Run(ctx) // blocks until ctx is canceled, then shuts down
package gateway
