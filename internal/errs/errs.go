// Package errs defines the wallet core error taxonomy.
//
// Business failures carry a stable numeric Code that callers may display or
// persist. Transport failures are classified separately so a scheduler can
// decide to retry; see IsNetworkError.
package errs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"syscall"
)

// Kind is the top-level error class.
type Kind uint8

const (
	KindParse Kind = iota + 1
	KindChain
	KindUtxo
	KindKeystore
	KindDerivation
	KindNetwork
)

func (k Kind) String() string {
	switch k {
	case KindParse:
		return "parse"
	case KindChain:
		return "chain"
	case KindUtxo:
		return "utxo"
	case KindKeystore:
		return "keystore"
	case KindDerivation:
		return "derivation"
	case KindNetwork:
		return "network"
	}
	return "unknown"
}

// Code is a stable numeric status code. Values must never be renumbered.
type Code int

const (
	CodeInvalidAddress Code = 1001
	CodeInvalidAmount  Code = 1002
	CodeInvalidPath    Code = 1003
	CodeInvalidPayload Code = 1004

	CodeInsufficientBalance Code = 2001
	CodeInsufficientFee     Code = 2002
	CodeFrozenAddress       Code = 2003
	CodeDust                Code = 2004
	CodeNotOnChain          Code = 2005
	CodeExceedsMaxFee       Code = 2006
	CodeUnsupported         Code = 2007
	CodeRejected            Code = 2008
	CodeThreshold           Code = 2009

	CodeUtxoInsufficient Code = 3001
	CodeUtxoNone         Code = 3002

	CodeWrongPassword   Code = 4001
	CodeCorruptFile     Code = 4002
	CodeInvalidFilename Code = 4003

	CodeDerivationPath Code = 5001
	CodeIndexOverflow  Code = 5002
	CodeInvalidSeed    Code = 5003

	CodeNetwork Code = 9001
)

var codeKinds = map[Code]Kind{
	CodeInvalidAddress: KindParse, CodeInvalidAmount: KindParse, CodeInvalidPath: KindParse, CodeInvalidPayload: KindParse,
	CodeInsufficientBalance: KindChain, CodeInsufficientFee: KindChain, CodeFrozenAddress: KindChain,
	CodeDust: KindChain, CodeNotOnChain: KindChain, CodeExceedsMaxFee: KindChain, CodeUnsupported: KindChain,
	CodeRejected: KindChain, CodeThreshold: KindChain,
	CodeUtxoInsufficient: KindUtxo, CodeUtxoNone: KindUtxo,
	CodeWrongPassword: KindKeystore, CodeCorruptFile: KindKeystore, CodeInvalidFilename: KindKeystore,
	CodeDerivationPath: KindDerivation, CodeIndexOverflow: KindDerivation, CodeInvalidSeed: KindDerivation,
	CodeNetwork: KindNetwork,
}

// Error is a classified wallet error. Chain, Hash and Address preserve the
// context of the failing operation.
type Error struct {
	Kind    Kind
	Code    Code
	Op      string
	Chain   string
	Hash    string
	Address string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("[%d] %s", e.Code, e.Kind)
	if e.Op != "" {
		msg += " " + e.Op
	}
	if e.Chain != "" {
		msg += " chain=" + e.Chain
	}
	if e.Address != "" {
		msg += " address=" + e.Address
	}
	if e.Hash != "" {
		msg += " hash=" + e.Hash
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrWrongPassword       = &Error{Kind: KindKeystore, Code: CodeWrongPassword}
	ErrCorrupt             = &Error{Kind: KindKeystore, Code: CodeCorruptFile}
	ErrInvalidFilename     = &Error{Kind: KindKeystore, Code: CodeInvalidFilename}
	ErrInvalidPath         = &Error{Kind: KindDerivation, Code: CodeDerivationPath}
	ErrIndexOverflow       = &Error{Kind: KindDerivation, Code: CodeIndexOverflow}
	ErrInsufficientBalance = &Error{Kind: KindChain, Code: CodeInsufficientBalance}
	ErrDust                = &Error{Kind: KindChain, Code: CodeDust}
	ErrExceedsMaxFee       = &Error{Kind: KindChain, Code: CodeExceedsMaxFee}
	ErrUnsupported         = &Error{Kind: KindChain, Code: CodeUnsupported}
	ErrThreshold           = &Error{Kind: KindChain, Code: CodeThreshold}
	ErrUtxoInsufficient    = &Error{Kind: KindUtxo, Code: CodeUtxoInsufficient}
	ErrNetwork             = &Error{Kind: KindNetwork, Code: CodeNetwork}
)

// New returns a classified error; the kind is derived from the code.
func New(code Code, op string, err error) *Error {
	return &Error{Kind: codeKinds[code], Code: code, Op: op, Err: err}
}

// Newf is New with a formatted cause.
func Newf(code Code, op, format string, args ...any) *Error {
	return New(code, op, fmt.Errorf(format, args...))
}

// Parse reports malformed input.
func Parse(code Code, op string, err error) *Error { return New(code, op, err) }

// Chain reports a node-side business rejection.
func Chain(code Code, chain, op string, err error) *Error {
	e := New(code, op, err)
	e.Chain = chain
	return e
}

// Network wraps a transport failure so IsNetworkError reports true.
func Network(chain, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindNetwork, Code: CodeNetwork, Op: op, Chain: chain, Err: err}
}

// WithHash attaches a transaction hash.
func (e *Error) WithHash(hash string) *Error {
	e.Hash = hash
	return e
}

// WithAddress attaches an address.
func (e *Error) WithAddress(addr string) *Error {
	e.Address = addr
	return e
}

// CodeOf returns the code of the first *Error in the chain, or 0.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

// KindOf returns the kind of the first *Error in the chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// HTTPStatusError is returned by transports for unexpected HTTP statuses.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// IsNetworkError reports whether err is a transport-class failure that a
// caller may retry with backoff. Business errors always return false.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var e *Error
	if errors.As(err, &e) && e.Kind != KindNetwork {
		return false
	}
	if e != nil && e.Kind == KindNetwork {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == 429 || httpErr.StatusCode >= 500
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
