package models

import "github.com/pkg/errors"

// ErrNotImplemented is returned by readers and loaders for filetypes that
// are recognized but not supported yet.
var ErrNotImplemented = errors.New("not implemented")
