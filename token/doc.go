// Package token implements the stateless signed capsule used to park a
// suspended action outside the server.
//
// A token has the form base64url(json) "." base64url(HMAC-SHA256(secret,
// base64url(json))). The payload is canonical JSON, and an optional
// "expiresAt" field (Unix milliseconds) bounds its lifetime. Verification
// needs only the secret, so any replica holding the same secret can resume a
// run.
package token
