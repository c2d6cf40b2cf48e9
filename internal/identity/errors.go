package identity

import "errors"

var (
	ErrValidation         = errors.New("identity: invalid input")
	ErrDuplicateEmail     = errors.New("identity: email already registered")
	ErrWeakSecret         = errors.New("identity: secret must be at least 6 characters")
	ErrInvalidCredentials = errors.New("identity: invalid email or password")
	ErrAccountSuspended   = errors.New("identity: account is suspended")
	ErrNotFound           = errors.New("identity: not found")
	ErrNotAdmin           = errors.New("identity: target account is not an admin")
	ErrSelfDemotion       = errors.New("identity: you cannot demote your own owner admin account")
	ErrLastOwner          = errors.New("identity: the only owner admin account cannot be demoted")
	ErrSelfDeletion       = errors.New("identity: you cannot delete your own owner admin account")
	ErrAuthMismatch       = errors.New("identity: current password is incorrect")
)
