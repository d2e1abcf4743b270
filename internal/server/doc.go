// Package server provides the HTTP surface of bassi.
//
// The server is a chi router over the session registry:
//
//   - /session: create, list (filtered, sorted and paged from the index),
//     get, rename and delete sessions
//   - /session/{id}/files: upload into and read from the session workspace
//   - /session/{id}/ws: attach a browser over a websocket; a second
//     attachment is refused with 409
//   - /event: Server-Sent Events stream of the event bus
//   - /metrics and /health
//
// Errors are returned as
//
//	{"error": {"code": "NOT_FOUND", "message": "session not found: X"}}
//
// Uploads accept either a multipart form with a "file" field or a raw body
// with ?name=. Files larger than the workspace limit get 413, names that
// escape the workspace get 400.
package server
