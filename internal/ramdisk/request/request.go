// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package request defines I/O requests accepted by the ramdisk and their
// completion statuses.
package request

import (
	"fmt"
)

// Direction of the request.
type Direction int

const (
	Read Direction = iota
	Write
	Flush
	Discard
)

func (d Direction) String() string {
	switch d {
	case Read:
		return "read"
	case Write:
		return "write"
	case Flush:
		return "flush"
	case Discard:
		return "discard"
	}

	return fmt.Sprintf("direction(%d)", int(d))
}

// Status is the terminal outcome of the request. Exactly one status is
// produced for every admitted request.
type Status int

const (
	Ok Status = iota
	IoError
	NotSupported
)

func (s Status) String() string {
	switch s {
	case Ok:
		return "ok"
	case IoError:
		return "io error"
	case NotSupported:
		return "not supported"
	}

	return fmt.Sprintf("status(%d)", int(s))
}

// Request is one I/O command. Segments are caller side buffers which are
// stitched, in order, into one contiguous span of the device starting at
// Sector. For reads the segments are filled, for writes they are stored.
// Segments of a request must not be touched by the caller until its
// completion is reported.
type Request struct {
	// Sequence number assigned by the device on submission. Only used
	// for tracing.
	ID uint64

	Direction Direction

	// First sector of the request.
	Sector int64

	Segments [][]byte
}

// Length returns total number of payload bytes of the request.
func (r *Request) Length() int64 {
	var n int64
	for _, s := range r.Segments {
		n += int64(len(s))
	}

	return n
}
