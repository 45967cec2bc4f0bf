package sip

import "context"

// Transport is the narrow sending capability a transaction needs from the
// transport adapter (component B): deliver a message toward the
// transaction's remote peer, and report whether that delivery path is
// reliable (which governs whether Timers A/E/G ever arm).
type Transport interface {
	SendMessage(ctx context.Context, msg MessageView) error
	Reliable() bool
}
