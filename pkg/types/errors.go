package types

import "errors"

// Validation errors shared by the data model and its consumers.
var (
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrMalformedTransaction = errors.New("malformed transaction")
	ErrAddressMalformed     = errors.New("address malformed")
	ErrAmountOutOfRange     = errors.New("amount out of range")
)
