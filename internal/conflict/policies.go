package conflict

import (
	"context"
	"fmt"
)

// AcceptAutomatic takes every proposed automatic merge
func AcceptAutomatic(_ context.Context, c AutoConflict) (Resolution, error) {
	merged := c.Merged.Clone()
	return Resolution{Merged: &merged}, nil
}

// KeepLocal resubmits the diff's copy on top of the store's version
func KeepLocal(_ context.Context, c ManualConflict) (Resolution, error) {
	local := c.Local.Clone()
	return Resolution{Merged: &local}, nil
}

// KeepRemote leaves the store's copy untouched by dropping the feature from the diff
func KeepRemote(_ context.Context, _ ManualConflict) (Resolution, error) {
	return Resolution{Drop: true}, nil
}

// Refuse declines every conflict
func Refuse(_ context.Context, _ ManualConflict) (Resolution, error) {
	return Resolution{Refused: true}, nil
}

// Strategies lists the built-in manual policies by name
var Strategies = map[string]ManualFunc{
	"fail":   Refuse,
	"local":  KeepLocal,
	"remote": KeepRemote,
}

// ParseStrategy returns the built-in manual policy called name
func ParseStrategy(name string) (ManualFunc, error) {
	fn, ok := Strategies[name]
	if !ok {
		return nil, fmt.Errorf("unknown conflict strategy %q (want fail, local or remote)", name)
	}
	return fn, nil
}
