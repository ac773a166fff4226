// Package auth provides authentication for fireside-gateway.
//
// # Tokens
//
// Clients authenticate with HS256 JWTs signed with the configured
// jwt_secret. The "sub" claim carries the user id:
//
//	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
//	token, err := verifier.Generate("alice", 24*time.Hour)
//
// # HTTP
//
// HTTPAuthMiddleware accepts a token from the Authorization header or from
// the "token"/"access_token" query parameters (for WebSocket handshakes),
// resolves the user and attaches an AuthContext:
//
//	mux.Handle("/api/", auth.HTTPAuthMiddleware(store, verifier)(api))
//
// Unknown users are rejected with 401 and suspended users with 403.
//
// # Context
//
// Handlers read the identity with FromContext or MustFromContext.
package auth
