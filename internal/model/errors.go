package model

import "errors"

// ErrNotFound is returned when a tool, task or bundle does not exist.
var ErrNotFound = errors.New("not found")
