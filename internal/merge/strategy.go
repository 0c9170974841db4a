// Package merge implements the pluggable conflict-resolution strategies
// for field-level synchronization. One strategy is selected per deployment
// and applied uniformly across the whole field-sync channel.
package merge

import (
	"fmt"

	"github.com/hyperengineering/courier/pkg/wire"
)

// Outcome is the decision for one incoming field write.
type Outcome int

const (
	// OutcomeApply accepts the incoming value as the new current value.
	OutcomeApply Outcome = iota
	// OutcomeReject keeps the server value; the incoming write is reported
	// back as a conflict.
	OutcomeReject
	// OutcomeConflict retains the incoming value in the log without
	// choosing a winner; a conflict event is emitted for manual resolution.
	OutcomeConflict
)

// Strategy names accepted in configuration.
const (
	NameLastWriteWins = "last-write-wins"
	NameServerWins    = "server-wins"
	NameClientWins    = "client-wins"
	NameKeepBoth      = "keep-both"
)

// Strategy decides the outcome of an incoming field write against the
// recorded metadata for that field. existing is nil for a first write.
// Correctness depends on comparing recorded timestamps, not arrival order.
type Strategy interface {
	Name() string
	Resolve(incoming wire.FieldWrite, existing *wire.FieldMetadata) Outcome
}

// ForName returns the strategy registered under name.
func ForName(name string) (Strategy, error) {
	switch name {
	case NameLastWriteWins:
		return LastWriteWins{}, nil
	case NameServerWins:
		return ServerWins{}, nil
	case NameClientWins:
		return ClientWins{}, nil
	case NameKeepBoth:
		return KeepBoth{}, nil
	default:
		return nil, fmt.Errorf("unknown merge strategy %q", name)
	}
}

// LastWriteWins compares recorded timestamps; the higher timestamp wins.
// A tie is broken by version: the incoming write would be assigned a
// higher global sequence than any existing record, so ties apply.
type LastWriteWins struct{}

func (LastWriteWins) Name() string { return NameLastWriteWins }

func (LastWriteWins) Resolve(incoming wire.FieldWrite, existing *wire.FieldMetadata) Outcome {
	if existing == nil {
		return OutcomeApply
	}
	if incoming.Timestamp.Before(existing.UpdatedAt) {
		return OutcomeReject
	}
	return OutcomeApply
}

// ServerWins rejects any incoming client value once a server value exists.
type ServerWins struct{}

func (ServerWins) Name() string { return NameServerWins }

func (ServerWins) Resolve(_ wire.FieldWrite, existing *wire.FieldMetadata) Outcome {
	if existing == nil {
		return OutcomeApply
	}
	return OutcomeReject
}

// ClientWins always overwrites with the incoming value.
type ClientWins struct{}

func (ClientWins) Name() string { return NameClientWins }

func (ClientWins) Resolve(wire.FieldWrite, *wire.FieldMetadata) Outcome {
	return OutcomeApply
}

// KeepBoth retains both values and defers resolution to the application.
// No automatic winner is chosen when a concurrent value already exists.
type KeepBoth struct{}

func (KeepBoth) Name() string { return NameKeepBoth }

func (KeepBoth) Resolve(_ wire.FieldWrite, existing *wire.FieldMetadata) Outcome {
	if existing == nil {
		return OutcomeApply
	}
	return OutcomeConflict
}
