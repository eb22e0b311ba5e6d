package config

import "errors"

// ErrInvalidParams indicates run parameters failed validation.
var ErrInvalidParams = errors.New("invalid run parameters")
