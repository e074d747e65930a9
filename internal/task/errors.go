package task

import "errors"

// ErrAlreadyAttached is returned by Attach on every call after the first.
var ErrAlreadyAttached = errors.New("task: dispatcher has already been attached to a server")
