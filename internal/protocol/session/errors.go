package session

import (
	"errors"
	"fmt"
	"net"
)

var (
	ErrAddressRequired = errors.New("session: address required")
	ErrTimeout         = errors.New("session: timeout")
	ErrClosed          = errors.New("session: closed")
	ErrBroken          = errors.New("session: connection unusable after failure")
)

// classify maps socket deadline expiry onto ErrTimeout and keeps other errors.
func classify(op string, err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, op, err)
	}
	return fmt.Errorf("session: %s: %w", op, err)
}
