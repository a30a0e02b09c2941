// Package identity holds warden's user model, the user stores (Postgres and in-memory)
// and the error taxonomy shared by every auth package.
//
// Errors carry a sentinel kind (ErrConflict, ErrUnauthenticated, ...) so transport layers
// map them to status codes with errors.Is, without knowing the concrete type.
package identity
