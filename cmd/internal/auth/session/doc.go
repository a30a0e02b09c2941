// Package session is the authoritative store of refresh sessions.
//
// One row exists per live refresh token and holds only the token's digest. A row that
// is absent means the token was revoked; a row past expires_at is treated as absent on
// every read. Rotation deletes the presented row and inserts its successor in one
// atomic step, so a refresh token can be redeemed at most once.
package session
