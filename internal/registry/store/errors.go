package store

import "fmt"

// NotFoundError indicates the resource was not found (or belongs to another user).
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ValidationError indicates a client-side validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

// ConflictError indicates a write collided with data owned by someone else,
// such as appending to a chat id that another user already holds.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}
