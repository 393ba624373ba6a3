// Package session owns per-link policy shared by every transport:
// reconnect backoff, keepalive and command deadlines, TLS settings for
// secure links, the pending-command table used for request/response
// correlation and newline-delimited record framing for stream links.
package session
