package core

import (
	"errors"
	"fmt"
)

var (
	// ErrUnimplementedEffect is returned when a mode has no verdict logic.
	ErrUnimplementedEffect = errors.New("unimplemented effect")

	// ErrAlreadyResolved is returned on a second verdict for the same packet.
	ErrAlreadyResolved = errors.New("packet already resolved")

	// ErrResourceExhausted marks a bounded structure hitting its limit.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrUnresolvedOnExit is returned when shutdown had to force verdicts.
	ErrUnresolvedOnExit = errors.New("unresolved packets on exit")

	// ErrNotTCP is returned by the decoder for datagrams without a TCP header.
	ErrNotTCP = errors.New("not a TCP datagram")
)

// DecodeError reports a payload that could not be decoded for tracking.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode: %v", e.Err) }

func (e *DecodeError) Unwrap() error { return e.Err }

// EffectRuntimeError reports a failure inside variant logic for one packet.
type EffectRuntimeError struct {
	Effect   string
	PacketID uint64
	Err      error
}

func (e *EffectRuntimeError) Error() string {
	return fmt.Sprintf("effect %s: packet %d: %v", e.Effect, e.PacketID, e.Err)
}

func (e *EffectRuntimeError) Unwrap() error { return e.Err }
