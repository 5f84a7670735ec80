// Copyright 2024 The Nichts Authors
// SPDX-License-Identifier: MIT

// Package storeerr defines the error kinds shared by every store component
// and the jsonrpc error codes they map to at the store-session boundary.
package storeerr

import (
	"context"
	"errors"

	"nichts.build/store/internal/jsonrpc"
)

// Kind classifies a store error so that callers across process and RPC
// boundaries can branch on it without string-matching messages.
type Kind int

// Error kinds produced by the store, derivation parser, and filesystem
// sessions.
const (
	_ Kind = iota
	// InvalidDerivation marks a parse error, disallowed args, unknown
	// platform, or a derivation declaring an output it cannot honor.
	InvalidDerivation
	// MissingDependency marks a required input store object absent at
	// the moment of scheduling.
	MissingDependency
	// LookupFailed marks a path component that does not exist.
	LookupFailed
	// InvalidHandle marks an operation on a closed or unknown handle.
	InvalidHandle
	// PermissionDenied marks a policy refusal: impure input, a
	// read-only filter view, or a write to the session root.
	PermissionDenied
	// NodeAlreadyExists marks a create that collides with an existing
	// node.
	NodeAlreadyExists
	// NotEmpty marks an unlink or move of a non-empty directory.
	NotEmpty
	// NoSpace marks a write that would exceed backend storage.
	NoSpace
	// OutOfMetadata marks exhaustion of session-local metadata quota.
	OutOfMetadata
	// NameTooLong marks a path element exceeding the backend's name
	// length limit.
	NameTooLong
	// OutOfNodeHandles marks exhaustion of the per-session cap on
	// concurrent handles or hash roots.
	OutOfNodeHandles
	// BuildFailed marks a builder process that exited non-zero, a
	// declared output that did not finalize, or a fixed-output hash
	// mismatch.
	BuildFailed
)

func (k Kind) String() string {
	switch k {
	case InvalidDerivation:
		return "invalid derivation"
	case MissingDependency:
		return "missing dependency"
	case LookupFailed:
		return "lookup failed"
	case InvalidHandle:
		return "invalid handle"
	case PermissionDenied:
		return "permission denied"
	case NodeAlreadyExists:
		return "node already exists"
	case NotEmpty:
		return "not empty"
	case NoSpace:
		return "no space"
	case OutOfMetadata:
		return "out of metadata"
	case NameTooLong:
		return "name too long"
	case OutOfNodeHandles:
		return "out of node handles"
	case BuildFailed:
		return "build failed"
	default:
		return "unknown store error"
	}
}

type kindError struct {
	kind Kind
	err  error
}

// New returns a new error of the given kind wrapping err. New panics if err
// is nil.
func New(kind Kind, err error) error {
	if err == nil {
		panic("storeerr.New called with nil error")
	}
	return &kindError{kind, err}
}

func (e *kindError) Error() string { return e.kind.String() + ": " + e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// KindOf returns the error's [Kind], if one has been assigned with [New].
func KindOf(err error) (_ Kind, ok bool) {
	if err == nil {
		return 0, false
	}
	var e *kindError
	if errors.As(err, &e) {
		return e.kind, true
	}
	return 0, false
}

// Is reports whether err was created by [New] with the given kind.
func Is(err error, kind Kind) bool {
	got, ok := KindOf(err)
	return ok && got == kind
}

// rpcCodes maps each [Kind] to the jsonrpc error code used to report it
// across the store-session RPC boundary, mirroring the way
// [internal/jsonrpc.Error] tags arbitrary errors with a [jsonrpc.ErrorCode].
var rpcCodes = map[Kind]jsonrpc.ErrorCode{
	InvalidDerivation: jsonrpc.InvalidParams,
	MissingDependency: jsonrpc.UnknownErrorCode,
	LookupFailed:      jsonrpc.UnknownErrorCode,
	InvalidHandle:     jsonrpc.InvalidParams,
	PermissionDenied:  jsonrpc.UnknownErrorCode,
	NodeAlreadyExists: jsonrpc.UnknownErrorCode,
	NotEmpty:          jsonrpc.UnknownErrorCode,
	NoSpace:           jsonrpc.UnknownErrorCode,
	OutOfMetadata:     jsonrpc.UnknownErrorCode,
	NameTooLong:       jsonrpc.InvalidParams,
	OutOfNodeHandles:  jsonrpc.UnknownErrorCode,
	BuildFailed:       jsonrpc.UnknownErrorCode,
}

// ToRPC wraps err for transmission as a JSON-RPC error response, assigning
// the error code that corresponds to its [Kind]. Context cancellation is
// left to [jsonrpc.CodeFromError] to classify as RequestCancelled.
func ToRPC(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	kind, ok := KindOf(err)
	if !ok {
		return err
	}
	return jsonrpc.Error(rpcCodes[kind], err)
}
