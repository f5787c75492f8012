// Package auth keeps the user table behind the login and register pages.
package auth

import "context"

// Store is the persistent user table.
type Store interface {
	// Lookup returns the password of name, or ErrNotFound.
	Lookup(ctx context.Context, name string) (string, error)
	// Insert adds a user, or fails with ErrDuplicate.
	Insert(ctx context.Context, name, password string) error
	// List returns every user, used to warm the cache at startup.
	List(ctx context.Context) (map[string]string, error)
	Close() error
}
