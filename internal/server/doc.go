// Package server exposes the service's outer surface: the websocket
// endpoint carrying the session protocol and a small HTTP API for health,
// metrics and session inspection.
package server
