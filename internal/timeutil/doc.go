// Package timeutil implements the timer service used by the SIP transaction
// state machines to schedule retransmissions and timeouts (RFC 3261 §17,
// Timers A-K).
package timeutil
