// Package fabric implements the server side of the messaging fabric:
// channel subscriptions, presence, message fan-out and token expiry
// warnings. Transport (websocket) and storage backends plug in through
// Conn, Broker and PresenceStore.
package fabric
