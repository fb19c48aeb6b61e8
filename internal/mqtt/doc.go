// Package mqtt exposes the delivery sensors to Home Assistant through
// MQTT discovery. The bridge appears as a single HA device with one
// sensor per delivery category plus a few diagnostic sensors.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads, a
// birth message ("online") to the availability topic, and the most
// recent sensor states. A will message moves the availability topic to
// "offline" on unexpected disconnects. The publisher also listens on
// the HA status topic and republishes everything when Home Assistant
// itself restarts, since HA forgets non-retained state on restart.
package mqtt
