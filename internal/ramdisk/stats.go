// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package ramdisk

import (
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/asch/ramdisk/internal/ramdisk/request"
)

// Request counters of the device. Updated atomically from the lanes.
type counters struct {
	reads        uint64
	writes       uint64
	flushes      uint64
	discards     uint64
	bytesRead    uint64
	bytesWritten uint64
	ioErrors     uint64
	notSupported uint64
	busy         uint64
}

// Stats is a snapshot of the device counters.
type Stats struct {
	Reads        uint64
	Writes       uint64
	Flushes      uint64
	Discards     uint64
	BytesRead    uint64
	BytesWritten uint64
	IoErrors     uint64
	NotSupported uint64

	// Requests refused because all lanes were full.
	Busy uint64
}

func (c *counters) account(r *request.Request, s request.Status) {
	switch s {
	case request.IoError:
		atomic.AddUint64(&c.ioErrors, 1)
		return
	case request.NotSupported:
		atomic.AddUint64(&c.notSupported, 1)
		return
	}

	switch r.Direction {
	case request.Read:
		atomic.AddUint64(&c.reads, 1)
		atomic.AddUint64(&c.bytesRead, uint64(r.Length()))
	case request.Write:
		atomic.AddUint64(&c.writes, 1)
		atomic.AddUint64(&c.bytesWritten, uint64(r.Length()))
	case request.Flush:
		atomic.AddUint64(&c.flushes, 1)
	case request.Discard:
		atomic.AddUint64(&c.discards, 1)
	}
}

// Stats returns current values of the request counters.
func (d *Device) Stats() Stats {
	c := &d.stats
	return Stats{
		Reads:        atomic.LoadUint64(&c.reads),
		Writes:       atomic.LoadUint64(&c.writes),
		Flushes:      atomic.LoadUint64(&c.flushes),
		Discards:     atomic.LoadUint64(&c.discards),
		BytesRead:    atomic.LoadUint64(&c.bytesRead),
		BytesWritten: atomic.LoadUint64(&c.bytesWritten),
		IoErrors:     atomic.LoadUint64(&c.ioErrors),
		NotSupported: atomic.LoadUint64(&c.notSupported),
		Busy:         atomic.LoadUint64(&c.busy),
	}
}

func (s Stats) report(name string) {
	log.Info().Str("name", name).
		Uint64("reads", s.Reads).Uint64("writes", s.Writes).
		Uint64("flushes", s.Flushes).Uint64("discards", s.Discards).
		Uint64("bytes_read", s.BytesRead).Uint64("bytes_written", s.BytesWritten).
		Uint64("io_errors", s.IoErrors).Uint64("not_supported", s.NotSupported).
		Uint64("busy", s.Busy).
		Msg("Device statistics")
}
