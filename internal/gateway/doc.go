// Package gateway serves the concierge chat surface over HTTP, SSE and
// websockets.
//
// # Overview
//
// Gateway owns every long-lived component: the store, the event
// broadcaster (optionally bridged across instances through Redis), the
// session router, the relay, the task dispatcher that runs AI replies, and
// the HTTP server. New wires them from a config.Config; Run serves until its
// context ends and then calls Shutdown.
//
// # HTTP API
//
// Customer endpoints:
//
//   - POST /api/sessions - start or resume the chat for a session id
//   - POST /api/conversations/{id}/messages - post a message
//   - GET /api/conversations/{id}/messages - history, ?after=&limit=&render=html
//   - GET /api/conversations/{id}/events - SSE stream of one conversation
//   - GET /ws - websocket transport
//
// Admin endpoints (bearer token required when auth.jwt_secret is set):
//
//   - POST /api/admin/login
//   - GET /api/conversations, GET /api/conversations/{id}
//   - POST /api/conversations/{id}/join, POST /api/conversations/{id}/close
//   - GET /api/admin/events - SSE presence stream
//   - GET /api/admin/audit - audit trail, ?conversation_id=&admin_id=&action=&since=&limit=
//
// Without a jwt_secret the admin endpoints are open and admin ids come from
// the request body.
//
// # Websocket frames
//
// Clients send {"type": ...} frames: start-chat, send-message,
// join-conversation, watch-conversation, leave-conversation and watch-admin.
// The server answers with chat-started, relay events (new-message, new-chat,
// conversation-updated) and error frames carrying a code.
//
// # Lifecycle
//
//	gw, err := gateway.New(ctx, cfg, logger)
//	err = gw.Run(ctx) // blocks; cancel ctx to stop
//
// Shutdown ends open streams, drains queued AI replies, flushes paced
// deliveries and closes the store last.
package gateway
