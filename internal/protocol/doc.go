// Package protocol defines the WebSocket wire messages exchanged with clients
// and the case-style normalization adapter applied at the transport edge.
// Inbound payloads may arrive with snake_case, camelCase or kebab-case keys;
// they are normalized to snake_case before decoding so the rest of the service
// never sees un-normalized fields. Outbound events use camelCase keys and
// dash-style type names.
package protocol
