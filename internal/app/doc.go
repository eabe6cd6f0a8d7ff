// Package app wires configured accounts to their store, relay connection
// and encryption state.
//
// Each Account owns one bolt database, one relay.Client and one
// state.State. Run pumps relay events into the state; Prepare and Send are
// the steps a client takes to deliver a message.
package app
