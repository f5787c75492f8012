package auth

import "errors"

var (
	ErrNotFound  = errors.New("auth: user not found")
	ErrDuplicate = errors.New("auth: user already exists")
	ErrEmptyName = errors.New("auth: empty user name")
)
