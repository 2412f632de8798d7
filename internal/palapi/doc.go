// Package palapi talks to a game server's REST control API whose route prefix
// and payload schema vary between deployments.
//
// Every logical operation is expanded into an ordered list of candidates
// (base URL with and without the "/v1/api" prefix, then body shapes) and run
// through one first-success routine. Failures are classified as
// *AuthError (401), *PeerError (other non-2xx) or *TransportError, and
// aggregated into an *AttemptsError when no candidate succeeds.
//
// Responses are normalized by a declarative key table into ServerInfo and
// Player. Coercion never fails; missing fields degrade to defaults.
package palapi
