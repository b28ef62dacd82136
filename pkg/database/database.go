// Package database provides the credential store backends consumed by
// the chat server during logon and registration. The server only ever
// sees the CredentialStore capability; which backend sits behind it is
// a configuration choice.
package database

import "errors"

// ErrUserExists indicates a registration attempt for a taken login.
var ErrUserExists = errors.New("login already registered")

// CredentialStore is the narrow capability the chat server calls
// synchronously during logon and registration. Any error return is
// treated as an internal error by the caller, never as a credential
// rejection.
type CredentialStore interface {
	// LoginExists reports whether a login is registered.
	LoginExists(login string) (bool, error)
	// ValidateLoginPass reports whether the login/password pair is valid.
	// An unknown login is a plain false, not an error.
	ValidateLoginPass(login, password string) (bool, error)
	// AddUser registers a new login. Fails with ErrUserExists when taken.
	AddUser(login, password string) error
	// Close releases backend resources.
	Close() error
}
