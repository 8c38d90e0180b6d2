// Package aibridge connects customer messages to an external AI responder.
//
// The relay hands each stored customer message to a Scheduler, which queues
// an aibridge:reply task. The task calls Bridge.Reply:
//
//	customer message -> Scheduler -> worker -> Bridge.Reply -> HTTPResponder
//	                                                 |
//	                                                 v
//	                                   Relay.PostMessage(sender_type=ai)
//
// One responder call per customer message, no retries. Outcomes:
//
//   - non-empty response: posted verbatim
//   - empty or missing response: one canned clarification, chosen by
//     error_type and by whether the field was present at all
//   - timeout, transport error, non-2xx or malformed body: logged, nothing
//     written
package aibridge
