// Package auth authenticates support admins.
//
// Customers are anonymous: a conversation is identified by the session id
// the widget generates. Admins log in with a username and password (bcrypt
// hashes in the admin_users table) and receive an HS256 JWT whose subject
// is their admin id:
//
//	authn := auth.NewAuthenticator(store, verifier, 12*time.Hour)
//	sess, err := authn.Login(ctx, "dana", "correct horse")
//
// Admin HTTP endpoints are wrapped with HTTPAuthMiddleware, which accepts
// "Authorization: Bearer <token>" or a token query parameter for websocket
// handshakes. Handlers read the admin with FromContext.
//
// Login failures never reveal whether the username exists.
package auth
