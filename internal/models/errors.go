package models

import "errors"

// Reservation and validation failures. These are returned to the caller as-is and never retried.
var (
	ErrCapacityExceeded      = errors.New("ticket type capacity exceeded")
	ErrTicketTypeInactive    = errors.New("ticket type is not active")
	ErrTicketTypeNotFound    = errors.New("ticket type not found")
	ErrSaleWindowClosed      = errors.New("ticket type is outside its sale window")
	ErrInvalidQuantity       = errors.New("invalid ticket quantity")
	ErrMixedCurrency         = errors.New("ticket types in one order must share a currency")
	ErrDiscountCodeInvalid   = errors.New("discount code is invalid")
	ErrDiscountCodeExhausted = errors.New("discount code usage limit reached")
)

// Order lifecycle failures.
var (
	ErrOrderNotFound          = errors.New("order not found")
	ErrOrderExpired           = errors.New("order reservation has expired")
	ErrInvalidStateTransition = errors.New("invalid order state transition")
	ErrInvalidCancelReason    = errors.New("unknown cancel reason")
)

// Catalog failures.
var (
	ErrInvalidTicketType  = errors.New("invalid ticket type definition")
	ErrTicketTypeHasSales = errors.New("ticket type has sold or held tickets")
)

// ErrStorageTransient is returned when a transaction kept failing with a retryable
// storage error (serialization failure, deadlock, lock timeout, lost connection).
var ErrStorageTransient = errors.New("transient storage failure")
