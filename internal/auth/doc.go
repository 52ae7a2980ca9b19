// Package auth identifies the user behind an API request.
//
// # Authentication Methods
//
//   - JWT Tokens: clients send "Authorization: Bearer <token>". Tokens are
//     signed with HS256 using the configured auth.jwt_secret and carry the user
//     id in the "sub" claim.
//
//   - Development header: when no secret is configured the middleware trusts
//     the X-User-ID header. Never run a shared deployment this way.
//
// Browsers cannot set headers on EventSource or WebSocket requests, so the
// token may also be passed as the "access_token" query parameter.
//
// # Identity
//
// The middleware stores an Identity on the request context:
//
//	id := auth.FromContext(r.Context())
//	sessions := svc.ListSessions(ctx, store.SessionFilter{UserID: id.UserID})
//
// Every session lookup downstream is scoped by that user id.
package auth
