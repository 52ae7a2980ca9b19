// Package api exposes the task service over HTTP.
//
// # Routes
//
//	POST   /api/queries                    start a query, creating a session if needed
//	GET    /api/sessions                   list the caller's sessions
//	GET    /api/sessions/{id}              session history
//	DELETE /api/sessions/{id}              delete a session, cancelling its job
//	DELETE /api/sessions/{id}/query        cancel the session's active job
//	GET    /api/sessions/{id}/events       live feed as Server-Sent Events
//	GET    /api/sessions/{id}/events/ws    live feed over a websocket
//	POST   /api/workspaces                 register a workspace directory
//	GET    /health                         liveness and readiness
//	GET    /metrics                        Prometheus scrape endpoint
//
// Everything under /api requires an identity (see package auth). Session ids
// in paths may be internal or external ids.
//
// # Live Feeds
//
// Both feed transports send the same JSON events. The first event is always
// "init" with the persisted message log. A feed for an idle session ends after
// init. A feed also ends when another client subscribes to the same session
// id, in which case the final SSE event is "error" with reason "replaced".
package api
