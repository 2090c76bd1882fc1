// Package cos provides common low-level types and utilities shared by
// every pva package: the §7 error-kind taxonomy, a multi-error
// aggregator, and a handful of syscall-classification helpers for
// read/write failures.
package cos

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"

	pkgerrors "github.com/pkg/errors"
)

// Kind classifies a Status per spec.md §7. The session transport is
// torn down only for ConnectionClosed / InvalidDataStream / Fatal;
// every other kind is delivered to the specific requester.
type Kind int

const (
	KindOK Kind = iota
	KindConnectionClosed
	KindInvalidDataStream
	KindNotInitialized
	KindOtherRequestPending
	KindBadCID
	KindBadIOID
	KindNotAChannelRequest
	KindInvalidPutStructure
	KindInvalidPutArray
	KindInvalidBitSetLength
	KindInvalidQueueSize
	KindTimeout
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindConnectionClosed:
		return "connection-closed"
	case KindInvalidDataStream:
		return "invalid-data-stream"
	case KindNotInitialized:
		return "not-initialized"
	case KindOtherRequestPending:
		return "other-request-pending"
	case KindBadCID:
		return "bad-cid"
	case KindBadIOID:
		return "bad-ioid"
	case KindNotAChannelRequest:
		return "not-a-channel-request"
	case KindInvalidPutStructure:
		return "invalid-put-structure"
	case KindInvalidPutArray:
		return "invalid-put-array"
	case KindInvalidBitSetLength:
		return "invalid-bitset-length"
	case KindInvalidQueueSize:
		return "invalid-queue-size"
	case KindTimeout:
		return "timeout"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Status is delivered to every user-facing callback: a kind plus a
// human-readable message (spec.md §7 policy).
type Status struct {
	Kind    Kind
	Message string
}

func OK() Status { return Status{Kind: KindOK} }

func NewStatus(kind Kind, format string, a ...any) Status {
	return Status{Kind: kind, Message: fmt.Sprintf(format, a...)}
}

func (s Status) IsOK() bool { return s.Kind == KindOK }

// FatalToTransport reports whether this status, when it originates
// from the read side of a transport, must close the connection.
func (s Status) FatalToTransport() bool {
	switch s.Kind {
	case KindConnectionClosed, KindInvalidDataStream, KindFatal:
		return true
	default:
		return false
	}
}

func (s Status) Error() string {
	if s.Message == "" {
		return s.Kind.String()
	}
	return s.Kind.String() + ": " + s.Message
}

// Sentinel errors for the most frequently checked kinds, so callers
// can `errors.Is` instead of comparing Status values.
var (
	ErrConnectionClosed    = errors.New(KindConnectionClosed.String())
	ErrInvalidDataStream   = errors.New(KindInvalidDataStream.String())
	ErrNotInitialized      = errors.New(KindNotInitialized.String())
	ErrOtherRequestPending = errors.New(KindOtherRequestPending.String())
	ErrBadCID              = errors.New(KindBadCID.String())
	ErrBadIOID             = errors.New(KindBadIOID.String())
	ErrNotAChannelRequest  = errors.New(KindNotAChannelRequest.String())
	ErrInvalidBitSetLength = errors.New(KindInvalidBitSetLength.String())
	ErrInvalidQueueSize    = errors.New(KindInvalidQueueSize.String())
	ErrTimeout             = errors.New(KindTimeout.String())
	ErrBufferTooSmall      = errors.New("buffer too small for requested operation")
	ErrBufferUnderrun      = errors.New("buffer underrun")
)

func NewFatal(cause error, format string, a ...any) error {
	return pkgerrors.Wrapf(cause, format, a...)
}

// ErrNotFound mirrors the teacher's cmn/cos.ErrNotFound: a typed error
// so callers can type-assert instead of string-matching.
type ErrNotFound struct{ what string }

func NewErrNotFound(format string, a ...any) *ErrNotFound {
	return &ErrNotFound{fmt.Sprintf(format, a...)}
}
func (e *ErrNotFound) Error() string { return e.what + " does not exist" }
func IsErrNotFound(err error) bool {
	var e *ErrNotFound
	return errors.As(err, &e)
}

// Errs aggregates up to maxErrs distinct errors, deduplicated by
// message, adapted from the teacher's cmn/cos.Errs.
type Errs struct {
	errs []error
	mu   sync.Mutex
}

const maxErrs = 4

func (e *Errs) Add(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, added := range e.errs {
		if added.Error() == err.Error() {
			return
		}
	}
	if len(e.errs) < maxErrs {
		e.errs = append(e.errs, err)
	}
}

func (e *Errs) Cnt() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.errs)
}

func (e *Errs) Error() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.errs) == 0 {
		return ""
	}
	s := e.errs[0].Error()
	if n := len(e.errs); n > 1 {
		s = fmt.Sprintf("%s (and %d more error%s)", s, n-1, plural(n-1))
	}
	return s
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

//
// syscall classification of write/read failures (refused, reset,
// broken pipe, closed connection).
//

func UnwrapSyscallErr(err error) error {
	var syscallErr *os.SyscallError
	if errors.As(err, &syscallErr) {
		return syscallErr.Unwrap()
	}
	return nil
}

func IsErrConnectionRefused(err error) bool { return errors.Is(err, syscall.ECONNREFUSED) }
func IsErrConnectionReset(err error) bool   { return errors.Is(err, syscall.ECONNRESET) }
func IsErrBrokenPipe(err error) bool        { return errors.Is(err, syscall.EPIPE) }

func IsRetriableConnErr(err error) bool {
	return IsErrConnectionRefused(err) || IsErrConnectionReset(err) || IsErrBrokenPipe(err)
}

func IsEOF(err error) bool { return errors.Is(err, net.ErrClosed) }
