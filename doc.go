// Package messaging defines the wire protocol shared by the processor and
// endpoint packages: the request/response field layouts carried in log
// entries and the topic and session-key naming scheme that every component
// must agree on.
//
// Layers & Roles
//
//	endpoint  -> registers a (user, endpoint) pairing and sends requests
//	processor -> consumes requests via a consumer group, fans replies out
//	sessions  -> tracks which endpoints a user is currently active on
//	logstore  -> durability & coordination (ordered topics + claim/ack + sets)
//
// Every request flows through the shared inbound topic; every reply is
// appended to one private topic per target endpoint, so each device reads
// at its own pace. The naming constants in this package are part of the
// external contract: other implementations interoperate by producing and
// consuming the same topics and session keys.
package messaging
