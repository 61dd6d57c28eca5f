package events

import "errors"

// ErrMissingOrderID indicates an event without an order id.
var ErrMissingOrderID = errors.New("event missing order id")

// ErrUnknownStatus indicates an event status outside its enumeration.
var ErrUnknownStatus = errors.New("unknown event status")

// ErrInvalidOrder indicates an order-created event with a non-positive user,
// product or amount.
var ErrInvalidOrder = errors.New("invalid order fields")
