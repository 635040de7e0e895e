// Package mqtt connects Shelfwatch to an MQTT broker directly, in
// addition to or instead of the websocket broker session.
//
// The Bridge subscribes to the configured sensor topic filters and
// feeds every inbound message into the topic registry, so readings
// arriving over MQTT flow through the same handlers as socket frames.
//
// When publishing is enabled the Publisher makes the unit appear as a
// native Home Assistant device: two binary_sensor slots plus
// temperature and humidity sensors, announced with retained discovery
// payloads on every (re-)connect, an availability topic guarded by a
// will message, and a retained state update on every occupancy change.
//
// Connection management uses Eclipse Paho v2's [autopaho] package,
// which reconnects automatically and re-runs the subscribe and
// announce steps from its OnConnectionUp callback.
package mqtt
