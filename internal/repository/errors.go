package repository

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when a unique entity is inserted twice.
	ErrAlreadyExists = errors.New("entity already exists")
)
