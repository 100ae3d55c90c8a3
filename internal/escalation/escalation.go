// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// REVISION: escalation-engine-v1-regex-table
package escalation

import (
	"log"
	"regexp"
	"strings"
	"time"
)

const engineRevision = "escalation-engine-v1-regex-table"

func init() {
	log.Printf("[escalation] REVISION: %s loaded at %s", engineRevision, time.Now().Format(time.RFC3339))
}

// Operation is the kind of denied operation detected in a sandbox error.
type Operation string

const (
	OpRead  Operation = "read"
	OpWrite Operation = "write"
	OpNet   Operation = "net"
	OpEnv   Operation = "env"
	OpRun   Operation = "run"
	OpFFI   Operation = "ffi"
)

// PermissionSet is a named bundle of sandbox capabilities, ordered from
// least to most privileged for the walk in Suggest.
type PermissionSet string

const (
	PermMinimal    PermissionSet = "minimal"
	PermReadonly   PermissionSet = "readonly"
	PermFilesystem PermissionSet = "filesystem"
	PermNetworkAPI PermissionSet = "network-api"
	PermMCPStandard PermissionSet = "mcp-standard"
	PermTrusted    PermissionSet = "trusted" // never reachable by escalation
)

// walkOrder is the in-order fallback list consulted when no direct edge
// exists from the current set to the operation's minimal target.
var walkOrder = []PermissionSet{PermReadonly, PermFilesystem, PermNetworkAPI, PermMCPStandard}

// escalationGraph lists the permission sets directly reachable from each
// vertex (spec §4.7's escalation paths diagram).
var escalationGraph = map[PermissionSet][]PermissionSet{
	PermMinimal:     {PermReadonly, PermFilesystem, PermNetworkAPI, PermMCPStandard},
	PermReadonly:    {PermFilesystem, PermMCPStandard},
	PermFilesystem:  {PermMCPStandard},
	PermNetworkAPI:  {PermMCPStandard},
	PermMCPStandard: {},
	PermTrusted:     {},
}

// minimalSetFor maps a detected operation to the permission set that
// minimally provides it.
var minimalSetFor = map[Operation]PermissionSet{
	OpRead:  PermReadonly,
	OpWrite: PermFilesystem,
	OpNet:   PermNetworkAPI,
	OpEnv:   PermMCPStandard,
}

// pattern pairs a regex against a denial message with the operation it
// signals and a group index for the resource it captures (0 means none).
type pattern struct {
	op          Operation
	resourceIdx int
	re          *regexp.Regexp
}

// patterns is evaluated in order; the first match wins (spec §4.7 step 1).
var patterns = []pattern{
	{OpRun, 0, regexp.MustCompile(`(?i)permission denied.*\bexec(ute)?\b`)},
	{OpFFI, 0, regexp.MustCompile(`(?i)permission denied.*\b(ffi|cgo|dlopen)\b`)},
	{OpRead, 2, regexp.MustCompile(`(?i)permission denied.*\bread(ing)?\b.*?([\w./\-]+)$`)},
	{OpWrite, 2, regexp.MustCompile(`(?i)permission denied.*\bwrit(e|ing)\b.*?([\w./\-]+)$`)},
	{OpNet, 2, regexp.MustCompile(`(?i)permission denied.*\b(connect|dial|fetch)\b.*?(https?://[\w./\-:]+)`)},
	{OpEnv, 2, regexp.MustCompile(`(?i)permission denied.*\benv(ironment)?\b.*?([\w_]+)$`)},
}

// Suggestion is a proposed minimal policy escalation (spec §4.7 output).
type Suggestion struct {
	CurrentSet        PermissionSet
	RequestedSet      PermissionSet
	Reason            string
	DetectedOperation Operation
	Resource          string
	Confidence        float64
}

// Suggest inspects a sandbox denial message and proposes the minimal policy
// escalation that would unblock it, or (Suggestion{}, false) if no escalation
// applies — either nothing matched, or the operation is security-critical
// and must never be auto-escalated.
func Suggest(message string, current PermissionSet) (Suggestion, bool) {
	op, resource, ok := detect(message)
	if !ok {
		return Suggestion{}, false
	}
	if op == OpRun || op == OpFFI {
		return Suggestion{}, false
	}

	target, ok := minimalSetFor[op]
	if !ok {
		return Suggestion{}, false
	}

	requested := resolveTarget(current, target, op)
	if requested == "" {
		return Suggestion{}, false
	}

	return Suggestion{
		CurrentSet:        current,
		RequestedSet:       requested,
		Reason:            reasonFor(op, resource),
		DetectedOperation:  op,
		Resource:           resource,
		Confidence:         confidenceFor(op, resource),
	}, true
}

func detect(message string) (Operation, string, bool) {
	for _, p := range patterns {
		m := p.re.FindStringSubmatch(message)
		if m == nil {
			continue
		}
		resource := ""
		if p.resourceIdx > 0 && p.resourceIdx < len(m) {
			resource = m[p.resourceIdx]
		}
		return p.op, resource, true
	}
	return "", "", false
}

// resolveTarget implements step 4: prefer a direct edge from current to
// target, else walk the in-order list for the first reachable set that
// provides the operation.
func resolveTarget(current, target PermissionSet, op Operation) PermissionSet {
	for _, edge := range escalationGraph[current] {
		if edge == target {
			return target
		}
	}
	for _, candidate := range walkOrder {
		if !reachable(current, candidate) {
			continue
		}
		if provides(candidate, op) {
			return candidate
		}
	}
	return ""
}

func reachable(from, to PermissionSet) bool {
	if from == to {
		return true
	}
	for _, edge := range escalationGraph[from] {
		if edge == to {
			return true
		}
	}
	return false
}

// provides reports whether permission set p grants operation op, using the
// same minimal-set ordering as minimalSetFor (a set "provides" an operation
// if it sits at or past that operation's minimal set in walkOrder).
func provides(p PermissionSet, op Operation) bool {
	need, ok := minimalSetFor[op]
	if !ok {
		return false
	}
	needIdx, pIdx := indexOf(need), indexOf(p)
	if needIdx < 0 || pIdx < 0 {
		return false
	}
	return pIdx >= needIdx
}

func indexOf(p PermissionSet) int {
	for i, s := range walkOrder {
		if s == p {
			return i
		}
	}
	return -1
}

func reasonFor(op Operation, resource string) string {
	switch op {
	case OpRead:
		return "sandbox denied a read of " + resourceOrUnknown(resource)
	case OpWrite:
		return "sandbox denied a write to " + resourceOrUnknown(resource)
	case OpNet:
		return "sandbox denied a network connection to " + resourceOrUnknown(resource)
	case OpEnv:
		return "sandbox denied access to environment variable " + resourceOrUnknown(resource)
	default:
		return "sandbox denied operation"
	}
}

func resourceOrUnknown(resource string) string {
	if resource == "" {
		return "an unspecified resource"
	}
	return resource
}

// confidenceFor implements step 5's scoring rule.
func confidenceFor(op Operation, resource string) float64 {
	confidence := 0.7
	if resource != "" {
		confidence += 0.15
	}
	switch op {
	case OpNet:
		if strings.Contains(resource, "https://") || strings.Contains(resource, ":443") {
			confidence += 0.10
		}
	case OpRead, OpWrite:
		if strings.HasPrefix(resource, "/") {
			confidence += 0.05
		}
	}
	if confidence > 0.95 {
		confidence = 0.95
	}
	return confidence
}
