package clienthello

import (
	"errors"
	"fmt"
)

// Kind classifies parse failures.
type Kind uint8

const (
	// KindNotClientHello means the bytes are not a TLS handshake record
	// carrying a ClientHello.
	KindNotClientHello Kind = iota + 1
	// KindMalformed means a length field runs past the end of its container.
	KindMalformed
	// KindIncomplete means the record or handshake declares more bytes than
	// were supplied.
	KindIncomplete
	// KindOversized means a well-formed list exceeded its fixed capacity.
	KindOversized
)

// Sentinel errors matched by errors.Is against an *Error.
var (
	ErrNotClientHello = errors.New("not a TLS ClientHello")
	ErrMalformed      = errors.New("malformed ClientHello")
	ErrIncomplete     = errors.New("incomplete ClientHello")
	ErrOversized      = errors.New("oversized ClientHello field")
)

func (k Kind) sentinel() error {
	switch k {
	case KindNotClientHello:
		return ErrNotClientHello
	case KindMalformed:
		return ErrMalformed
	case KindIncomplete:
		return ErrIncomplete
	case KindOversized:
		return ErrOversized
	default:
		return ErrMalformed
	}
}

// Error describes where and why parsing stopped.
type Error struct {
	Kind  Kind
	Field string
	// Limit is the capacity that was exceeded, set for KindOversized.
	Limit int
}

func (e *Error) Error() string {
	if e.Kind == KindOversized {
		return fmt.Sprintf("%v: %s exceeds %d entries", e.Kind.sentinel(), e.Field, e.Limit)
	}
	return fmt.Sprintf("%v: %s", e.Kind.sentinel(), e.Field)
}

func (e *Error) Unwrap() error {
	return e.Kind.sentinel()
}

func notClientHello(field string) error { return &Error{Kind: KindNotClientHello, Field: field} }
func malformed(field string) error      { return &Error{Kind: KindMalformed, Field: field} }
func incomplete(field string) error     { return &Error{Kind: KindIncomplete, Field: field} }
func oversized(field string, limit int) error {
	return &Error{Kind: KindOversized, Field: field, Limit: limit}
}
