// Package commands defines the omemo CLI.
//
// Commands
//
//   - init         Add an account and generate its keys
//   - fingerprint  Print identity fingerprints
//   - devices      List, remove or reset devices
//   - trust        Reset a device's identity or switch encryption on and off
//   - send         Encrypt and send a message
//   - listen       Print incoming messages until interrupted
//
// # Implementation
//
// The root command loads the YAML config and builds an app.App before any
// subcommand runs. Accounts are opened lazily, so commands that only read
// local state never touch the relay.
package commands
