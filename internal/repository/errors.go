package repository

import "errors"

var (
	// ErrInvalidSource indicates an empty or unusable image reference
	ErrInvalidSource = errors.New("invalid image source")

	// ErrInvalidKey indicates an evaluation key with an empty component
	ErrInvalidKey = errors.New("invalid evaluation key")

	// ErrRepositoryClosed indicates use after Close
	ErrRepositoryClosed = errors.New("repository closed")
)
