// Package password hashes and verifies credentials with Argon2id.
//
// Hashes use the PHC-style string $argon2id$v=19$m=..,t=..,p=..$salt$key. Hash strings
// are treated as untrusted input during Verify: malformed strings and parameters far
// above the configured cost are rejected before any key derivation runs.
//
// Hasher is the entry point for request paths. It bounds concurrency and wall time so a
// burst of logins cannot exhaust memory or stall callers.
package password
