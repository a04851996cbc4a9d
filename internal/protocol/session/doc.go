// Package session owns per-connection BTP session mechanics.
//
// Ownership boundary:
// - first-message auth handshake parsing
// - request/response correlation for outbound calls
// - timeout, keepalive and backoff defaults
// - listener transport security settings
package session
