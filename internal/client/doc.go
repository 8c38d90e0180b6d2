// Package client is an HTTP client for the concierge gateway API.
//
// It covers the operator surface used by concierge-admin: readiness,
// admin login, conversation listing, history, claim and close, and the
// audit log. Errors returned by the gateway are decoded into *APIError,
// so callers can branch on the HTTP status:
//
//	c := client.New("http://localhost:8080", token)
//	convs, err := c.Conversations(ctx, 20)
//	if client.IsStatus(err, http.StatusUnauthorized) {
//		// log in again
//	}
package client
