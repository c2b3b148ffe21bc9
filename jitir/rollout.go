// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package jitir

import "github.com/orusvm/orus/value"

// RolloutStage is the staged value-kind gate from spec.md §4.5/§9: each
// stage is cumulative over the previous one.
type RolloutStage uint8

const (
	RolloutI32Only RolloutStage = iota
	RolloutWideInts
	RolloutFloats
	RolloutStrings
)

// Allowed reports whether kind may be translated under stage.
func Allowed(stage RolloutStage, kind value.Kind) bool {
	switch kind {
	case value.KindI32, value.KindBool:
		return true // available from the first stage
	case value.KindI64, value.KindU32, value.KindU64:
		return stage >= RolloutWideInts
	case value.KindF64:
		return stage >= RolloutFloats
	case value.KindString:
		return stage >= RolloutStrings
	default:
		return false
	}
}
