package server

import "errors"

var (
	ErrInvalidUserId  = errors.New("invalid user id")
	ErrConnectionLeft = errors.New("connection has left")
	ErrServerStopped  = errors.New("chat server stopped")
)
