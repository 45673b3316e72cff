package repositories

import "errors"

// ErrNotFound is returned by all repositories when a lookup matches no row.
// Handlers translate it to a 404; internal callers use errors.Is.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert or update violates a unique
// constraint (duplicate host address, vault key name, username).
var ErrConflict = errors.New("record already exists")

// ErrLastAdmin is returned when a delete or deactivation would leave the
// system without a single active admin account.
var ErrLastAdmin = errors.New("cannot remove the last active admin")
