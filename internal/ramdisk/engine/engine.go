// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package engine executes one request against the backing store. Execution
// is synchronous and runs to completion on the lane which admitted the
// request.
package engine

import (
	"io"

	"github.com/rs/zerolog/log"

	"github.com/asch/ramdisk/internal/ramdisk/request"
	"github.com/asch/ramdisk/internal/ramdisk/store"
)

// Backend is the storage the engine copies from and to. InBounds has to
// accept exactly the sector ranges which ReadAt and WriteAt can serve.
type Backend interface {
	io.ReaderAt
	io.WriterAt
	InBounds(sector, length int64) bool
}

// Execute validates r against the backend, performs it and returns its
// status.
//
// The aggregate range of all segments is validated before any segment is
// touched, hence an invalid request never mutates the store. If a segment
// still fails the remaining segments are skipped and IoError is returned.
// Segments already written are not rolled back, so a failed write leaves
// the range in an undefined state, like a failed write on a real disk.
func Execute(b Backend, r *request.Request) request.Status {
	length := r.Length()

	if !b.InBounds(r.Sector, length) {
		log.Debug().Uint64("req", r.ID).Str("dir", r.Direction.String()).
			Int64("sector", r.Sector).Int64("length", length).
			Msg("Request out of bounds")
		return request.IoError
	}

	switch r.Direction {
	case request.Flush, request.Discard:
		// Memory has no write-back cache to flush and nothing to
		// reclaim on discard.
		return request.Ok

	case request.Read:
		return transfer(r, func(p []byte, off int64) (int, error) {
			return b.ReadAt(p, off)
		})

	case request.Write:
		return transfer(r, func(p []byte, off int64) (int, error) {
			return b.WriteAt(p, off)
		})
	}

	return request.NotSupported
}

// Walks the segments in order and applies op to each of them. Every segment
// lands right after the previous one, so discontiguous caller buffers are
// stitched into one contiguous range of the device.
func transfer(r *request.Request, op func(p []byte, off int64) (int, error)) request.Status {
	off := r.Sector * store.BlockSize

	for i, seg := range r.Segments {
		n, err := op(seg, off)
		if err == nil && n != len(seg) {
			err = io.ErrShortWrite
		}

		if err != nil {
			log.Error().Err(err).Uint64("req", r.ID).Str("dir", r.Direction.String()).
				Int("segment", i).Int64("offset", off).
				Msg("Segment failed, request aborted")
			return request.IoError
		}

		off += int64(len(seg))
	}

	return request.Ok
}
