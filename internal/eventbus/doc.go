// Package eventbus spreads conversation events across gateway instances.
//
// With a single instance the in-memory conversation.EventBroadcaster is
// enough. Behind a load balancer, a customer and the admin answering them
// may be connected to different instances; RedisBus forwards every
// published event over a Redis channel so subscribers everywhere see it.
// Each instance ignores its own events when they come back from Redis.
package eventbus
