package rbac

import "errors"

var (
	// ErrStoreUnavailable indicates the durable permission store could not be reached.
	ErrStoreUnavailable = errors.New("rbac: permission store unavailable")
	// ErrMalformedRecord indicates a stored record failed shape validation.
	ErrMalformedRecord = errors.New("rbac: malformed permission record")
	// ErrInvalidRole indicates an empty role name.
	ErrInvalidRole = errors.New("rbac: role name required")
	// ErrInvalidUserID indicates a missing or unparsable user id.
	ErrInvalidUserID = errors.New("rbac: invalid user id")
	// ErrUnknownFunction indicates a function key outside the catalog in strict mode.
	ErrUnknownFunction = errors.New("rbac: unknown function")
)
