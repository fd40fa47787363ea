// Package flowmq is a broker-agnostic publish/subscribe client. It presents
// a single Queue handle per logical queue or topic that can send and
// receive application values, delegating the wire protocol to a pluggable
// Backend (see the rabbitmq and natsjs subpackages).
//
// The subject of most of this package is the ReceiveSession: a scoped,
// resumable, failure-aware iterator over decoded messages that enforces
// ack/nack discipline uniformly across backends whose native APIs differ in
// cardinal ways. See session.go for the state machine it implements.
package flowmq
