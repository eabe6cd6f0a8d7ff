// Package state is the encryption state of one account: the facade the
// messaging pipeline talks to.
//
// A State composes the key store, trust ledger, device directory, session
// establishment and message codec of its account. All methods are
// serialised by one mutex. Network requests go out through a
// domain.Transport after the lock is released; their responses come back
// as events carrying the request id, which is looked up in the pending
// request table owned by the State.
//
// Pending requests have no timeout and are never retried automatically.
// Abandon removes one explicitly.
package state
