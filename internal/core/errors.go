package core

import "errors"

var (
	// ErrUnknownOrder indicates a cancel on an order the exchange no longer
	// knows about; callers treat it as an already-closed order.
	ErrUnknownOrder = errors.New("unknown order")
	// ErrOrderNotFound indicates an order lookup returned nothing.
	ErrOrderNotFound = errors.New("order not found")
	// ErrInsufficientFunds indicates the exchange rejected a placement due to
	// missing balance.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrBotState indicates an unrecoverable condition; the engine moves to
	// the terminal error state and halts.
	ErrBotState = errors.New("bot state error")
	// ErrConfiguration indicates an invalid exchange, strategy, or side.
	ErrConfiguration = errors.New("configuration error")
)
