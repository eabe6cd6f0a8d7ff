// Package devices is the device directory of an account: the set of device
// ids known for every contact, and the account's own device list as last
// announced on the network.
//
// Directory is not safe for concurrent use; the encryption state of the
// account serialises access to it.
package devices
