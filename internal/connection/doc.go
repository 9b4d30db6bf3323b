// Package connection owns the set of live client connections. It tracks
// activity and liveness timestamps per client identity, serializes outbound
// writes, probes liveness at the application level, and evicts connections
// that have been inactive past the configured threshold. Transport failures
// degrade to disconnection and never propagate to session logic.
package connection
