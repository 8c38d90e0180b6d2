// Package conversation routes customer and admin messages through a shared
// conversation record.
//
// # Overview
//
// The package sits between the HTTP/WebSocket handlers and the store:
//
//   - SessionRouter: maps a customer session to exactly one conversation
//   - Relay: validates, persists and fans out messages; hands customer
//     messages to the AI bridge; applies admin claims and closes
//   - Presence: tells admin observers about new and changed conversations
//   - EventBroadcaster: the in-memory subscription table behind both
//
// # Posting
//
//	msg, err := relay.PostMessage(ctx, conversation.PostRequest{
//		ConversationID: id,
//		SenderType:     store.SenderCustomer,
//		Text:           "hello",
//	})
//
// Record first, then act: the message and the conversation's updated_at are
// written in one store transaction. Only then is the new-message event
// published on ConversationTopic(id) and a conversation-updated event on
// AdminTopic. Customer messages are then passed to the AIRequester, which
// must not block.
//
// # Claim State Machine
//
//	waiting --claim--> active
//	active  --claim--> active   (reassign)
//	waiting --close--> closed
//	active  --close--> closed
//
// Closed is terminal and rejects new messages.
//
// # Errors
//
// ErrValidation (and its specific wrappers), ErrConversationNotFound,
// ErrStoreUnavailable, ErrConversationClosed and ErrInvalidTransition are
// checked with errors.Is. None of them leave partial writes behind.
package conversation
