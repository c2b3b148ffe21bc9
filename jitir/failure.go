// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package jitir

import "github.com/orusvm/orus/value"

// Status is the translation-failure taxonomy (spec.md §4.5).
type Status uint8

const (
	StatusOK Status = iota
	StatusRolloutDisabled
	StatusUnsupportedConstantKind
	StatusUnsupportedOpcode
	StatusBackEdgeOutOfRange
	statusCount
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusRolloutDisabled:
		return "ROLLOUT_DISABLED"
	case StatusUnsupportedConstantKind:
		return "UNSUPPORTED_CONSTANT_KIND"
	case StatusUnsupportedOpcode:
		return "UNSUPPORTED_OPCODE"
	case StatusBackEdgeOutOfRange:
		return "BACK_EDGE_OUT_OF_RANGE"
	default:
		return "UNKNOWN"
	}
}

// TranslateError reports why translate_linear_block failed.
type TranslateError struct {
	Status Status
	Kind   value.Kind
	Offset int // bytecode byte offset where translation stopped
}

func (e *TranslateError) Error() string {
	return e.Status.String()
}

// failureHistoryCap bounds the rolling failure record log (spec.md §9:
// "never grow unbounded").
const failureHistoryCap = 32

// FailureRecord is one entry in the rolling failure history.
type FailureRecord struct {
	Status Status
	Kind   value.Kind
	Offset int
}

// FailureLog accumulates fixed-capacity per-status and per-kind counters
// plus a bounded rolling history, per spec.md §9.
type FailureLog struct {
	perStatus [statusCount]uint64
	perKind   map[value.Kind]uint64
	history   []FailureRecord
	cursor    int
}

// NewFailureLog returns an empty FailureLog.
func NewFailureLog() *FailureLog {
	return &FailureLog{perKind: make(map[value.Kind]uint64)}
}

// Record appends a failure, updating counters and the bounded history ring.
func (l *FailureLog) Record(err *TranslateError) {
	l.perStatus[err.Status]++
	l.perKind[err.Kind]++

	rec := FailureRecord{Status: err.Status, Kind: err.Kind, Offset: err.Offset}
	if len(l.history) < failureHistoryCap {
		l.history = append(l.history, rec)
	} else {
		l.history[l.cursor] = rec
		l.cursor = (l.cursor + 1) % failureHistoryCap
	}
}

// CountByStatus returns the total failures recorded with the given status.
func (l *FailureLog) CountByStatus(s Status) uint64 { return l.perStatus[s] }

// CountByKind returns the total failures recorded against the given kind.
func (l *FailureLog) CountByKind(k value.Kind) uint64 { return l.perKind[k] }

// History returns a copy of the current rolling failure history, oldest
// first is not guaranteed once the ring has wrapped — callers needing
// chronological order should not rely on index order past failureHistoryCap
// entries.
func (l *FailureLog) History() []FailureRecord {
	out := make([]FailureRecord, len(l.history))
	copy(out, l.history)
	return out
}
