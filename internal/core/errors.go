package core

import (
	"errors"
	"fmt"
)

// ErrorKind is the failure category surfaced to callers of the engine.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindPrivilege: process lacks root/administrator rights.
	KindPrivilege
	// KindDevice: TUN creation, read or write failed.
	KindDevice
	// KindRoute: route table mutation failed.
	KindRoute
	// KindProxyUnavailable: proxy engine not running or not healthy.
	KindProxyUnavailable
	// KindSocks5Protocol: SOCKS5 greeting or CONNECT rejected.
	KindSocks5Protocol
	// KindMalformedPacket: packet could not be decoded.
	KindMalformedPacket
	// KindPoolExhausted: FakeIP pool has no free addresses.
	KindPoolExhausted
)

// Tag returns the stable user-facing code for the kind.
func (k ErrorKind) Tag() string {
	switch k {
	case KindPrivilege:
		return "TUN_ERROR_ADMIN"
	case KindDevice:
		return "TUN_ERROR_DEVICE"
	case KindRoute:
		return "TUN_ERROR_ROUTE"
	case KindProxyUnavailable:
		return "TUN_ERROR_NO_PROXY"
	case KindSocks5Protocol:
		return "TUN_ERROR_SOCKS5"
	case KindMalformedPacket:
		return "TUN_ERROR_PACKET"
	case KindPoolExhausted:
		return "TUN_ERROR_POOL_EXHAUSTED"
	default:
		return "TUN_ERROR"
	}
}

func (k ErrorKind) String() string {
	switch k {
	case KindPrivilege:
		return "privilege"
	case KindDevice:
		return "device"
	case KindRoute:
		return "route"
	case KindProxyUnavailable:
		return "proxy_unavailable"
	case KindSocks5Protocol:
		return "socks5_protocol"
	case KindMalformedPacket:
		return "malformed_packet"
	case KindPoolExhausted:
		return "pool_exhausted"
	default:
		return "unknown"
	}
}

// Error is a category-tagged error.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := "[" + e.Kind.Tag() + "]"
	if e.Op != "" {
		msg += " " + e.Op
	}
	if e.Err != nil {
		if e.Op != "" {
			msg += ":"
		}
		msg += " " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels below work
// with errors.Is regardless of Op and cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// Sentinels for errors.Is.
var (
	ErrPrivilege        = &Error{Kind: KindPrivilege}
	ErrDevice           = &Error{Kind: KindDevice}
	ErrRoute            = &Error{Kind: KindRoute}
	ErrProxyUnavailable = &Error{Kind: KindProxyUnavailable}
	ErrSocks5Protocol   = &Error{Kind: KindSocks5Protocol}
	ErrMalformedPacket  = &Error{Kind: KindMalformedPacket}
	ErrPoolExhausted    = &Error{Kind: KindPoolExhausted}
)

// E builds a tagged error. A nil cause is allowed.
func E(kind ErrorKind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Ef builds a tagged error with a formatted cause.
func Ef(kind ErrorKind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the category of the first *Error in err's chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsFatal reports whether err must abort engine start-up.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindPrivilege, KindDevice, KindRoute:
		return true
	}
	return false
}
