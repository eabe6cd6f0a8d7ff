// Package main runs the omemo relay.
//
// The relay stores published bundles and device lists, answers bundle
// fetches and forwards envelopes between accounts over websockets. It never
// sees plaintext or private keys.
//
// Usage
//
//	relay [--config path] [--listen addr] [--redis addr]
//
// Without --redis (or relay.redis in the config) all state is held in
// memory and lost on exit. Routes:
//
//	GET /ws?jid={jid}&device={id}   websocket for one device
//	GET /devices/{jid}              published device list
//	GET /bundles/{jid}/{device}     published bundle
package main
