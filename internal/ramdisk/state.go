// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package ramdisk

import (
	"fmt"
)

// State of the device lifecycle. The device moves only forward through the
// states, except for a failed initialization which returns to
// Uninitialized.
type State int32

const (
	Uninitialized State = iota
	StoreReady
	DispatchReady
	Registered
	Active
	Unregistering
	Freed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case StoreReady:
		return "store-ready"
	case DispatchReady:
		return "dispatch-ready"
	case Registered:
		return "registered"
	case Active:
		return "active"
	case Unregistering:
		return "unregistering"
	case Freed:
		return "freed"
	}

	return fmt.Sprintf("state(%d)", int32(s))
}
