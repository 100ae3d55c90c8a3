// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package perr defines the PML error taxonomy shared across the gateway,
// orchestrator, and sandbox executor, and the path-sanitization rule applied
// to every error that crosses the sandbox boundary.
package perr

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Kind classifies an error for propagation-policy decisions: whether it
// surfaces as a JSON-RPC error envelope or as a structured result envelope
// the host LLM can reason about.
type Kind string

const (
	KindProtocol     Kind = "protocol"     // malformed JSON-RPC
	KindTransport    Kind = "transport"    // subprocess/socket failure
	KindTimeout      Kind = "timeout"
	KindPermission   Kind = "permission"   // sandbox permission denial
	KindRuntime      Kind = "runtime"      // user code threw
	KindMemory       Kind = "memory"       // sandbox memory cap exceeded
	KindNotFound     Kind = "not_found"    // capability/workflow absent
	KindAliasLoop    Kind = "alias_loop"   // should be unreachable post-flattening
	KindBackpressure Kind = "backpressure" // maxConcurrent queue full
	KindInvalidContext Kind = "invalid_context"
)

// Error wraps an underlying cause with a Kind and an optional sanitized
// message suitable for crossing the sandbox boundary.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, or "" if err is not (or does not wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Sentinel errors for simple not-found / expiry conditions that callers
// compare with errors.Is rather than switching on Kind.
var (
	ErrWorkflowNotFound   = errors.New("unknown workflow")
	ErrWorkflowExpired    = errors.New("workflow pending entry expired")
	ErrCapabilityNotFound = errors.New("capability not found")
	ErrAliasDangling      = errors.New("alias points to a deleted target")
)

// Sanitize replaces temp-file paths and the home directory with stable
// placeholders before a message is allowed to cross the sandbox boundary
// (spec §4.4, §7). It is intentionally conservative: unknown-shaped paths
// are left alone rather than guessed at.
func Sanitize(msg string) string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		msg = strings.ReplaceAll(msg, home, "<home>")
	}
	msg = sanitizeTempPaths(msg)
	return msg
}

// sanitizeTempPaths strips common temp-directory prefixes the sandbox
// executor writes its wrapped-code file under.
func sanitizeTempPaths(msg string) string {
	for _, prefix := range []string{os.TempDir(), "/tmp/", "/var/folders/"} {
		if prefix == "" {
			continue
		}
		msg = replaceTempPrefixed(msg, prefix)
	}
	return msg
}

// replaceTempPrefixed finds whitespace-delimited tokens starting with prefix
// and replaces the whole token with "<temp-file>".
func replaceTempPrefixed(msg, prefix string) string {
	if !strings.Contains(msg, prefix) {
		return msg
	}
	var b strings.Builder
	fields := strings.Fields(msg)
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(' ')
		}
		if strings.Contains(f, prefix) {
			b.WriteString("<temp-file>")
		} else {
			b.WriteString(f)
		}
	}
	return b.String()
}
