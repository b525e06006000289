// Package mqtt bridges nakari to an MQTT broker. Messages on
// nakari/<device>/input become user_text events, replies go out on
// nakari/<device>/reply, and the loop's state is mirrored to
// nakari/<device>/state so dashboards and voice satellites can follow
// along.
//
// The bridge uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect it
// publishes a retained "online" to the availability topic and
// re-subscribes to the input topic. A will message flips availability
// to "offline" on unexpected disconnects.
package mqtt
