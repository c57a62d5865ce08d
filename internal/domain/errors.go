package domain

import "errors"

var (
	// ErrNotFound indicates resource not found
	ErrNotFound = errors.New("resource not found")
	// ErrInvalidRequest indicates invalid request
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnauthorized indicates unauthorized access
	ErrUnauthorized = errors.New("unauthorized")
	// ErrBusy indicates a query is already in flight for the session
	ErrBusy = errors.New("a query is already in progress for this session")
	// ErrEmptyQuery indicates a blank question
	ErrEmptyQuery = errors.New("query is empty")
	// ErrProtocolViolation indicates an unexpected or malformed stream event
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrConnectionLost indicates the stream ended without a terminal event
	ErrConnectionLost = errors.New("connection lost")
)
