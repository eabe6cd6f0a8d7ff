// Package relay moves key material and envelopes between omemo accounts.
//
// It plays the part of the XMPP server for the encryption core: a Hub
// stores published bundles and device lists in a Directory (memory or
// redis), answers bundle fetches, broadcasts device list changes and
// forwards envelopes to every device of the recipient, queueing them for
// devices that are offline. Client is the account side of a websocket
// connection to the hub. It implements domain.Transport and turns incoming
// frames into state events.
//
// Wire format
//
// Every websocket message is one JSON Frame. Requests carry an id that the
// matching result echoes:
//
//	bundle.publish      -> publish.result
//	devicelist.publish  -> publish.result, plus a devicelist broadcast
//	bundle.get          -> bundle.result
//	devicelist.get      -> devicelist
//	message             (no reply)
//
// The hub also serves read-only JSON over HTTP:
//
//	GET /devices/{jid}
//	GET /bundles/{jid}/{device}
package relay
