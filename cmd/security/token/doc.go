// Package token digests opaque bearer secrets before they reach storage or cache.
//
// With a key configured the digest is HMAC-SHA256(token, key); without one it falls
// back to plain SHA-256 for development. Either way the output is 64 lowercase hex
// characters, so the storage column and cache keys do not depend on the mode.
package token
