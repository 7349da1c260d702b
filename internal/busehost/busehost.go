// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package busehost publishes the ramdisk as /dev/buse<major> through the BUSE
// kernel module. It translates read and write chunks coming from the buse
// library to ramdisk requests.
package busehost

import (
	"encoding/binary"
	"time"

	"github.com/asch/buse/lib/go/buse"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/asch/ramdisk/internal/ramdisk"
	"github.com/asch/ramdisk/internal/ramdisk/dispatch"
	"github.com/asch/ramdisk/internal/ramdisk/request"
	"github.com/asch/ramdisk/internal/ramdisk/store"
)

const (
	// Size of the metadata for one write in the write chunk read from the
	// kernel.
	writeItemSize = 32

	// Sleep between attempts to submit a request refused because all
	// lanes were busy.
	defaultBusyBackoff = 50 * time.Microsecond
)

// Options for the BUSE device. Sizes are in bytes.
type Options struct {
	Major         int64
	Threads       int
	QueueDepth    int64
	Scheduler     bool
	Durable       bool
	WriteChunk    int64
	WriteShmSize  int64
	ReadShmSize   int64
	CollisionArea int64

	// Zero means defaultBusyBackoff.
	BusyBackoff time.Duration
}

// Host implements ramdisk.Publisher for BUSE.
type Host struct {
	opts   Options
	device buse.Buse
	active bool
}

func New(o Options) *Host {
	if o.BusyBackoff == 0 {
		o.BusyBackoff = defaultBusyBackoff
	}

	return &Host{opts: o}
}

// Publish creates the BUSE device with the capacity of id. Requests are not
// served until Run is called.
func (h *Host) Publish(id ramdisk.Identity, s ramdisk.Submitter) error {
	if id.BlockSize != store.BlockSize {
		return errors.Errorf("block size %d is not supported", id.BlockSize)
	}

	rw := newReadWriter(s, h.opts.WriteChunk, h.opts.BusyBackoff)

	b, err := buse.New(rw, buse.Options{
		Durable:        h.opts.Durable,
		WriteChunkSize: h.opts.WriteChunk,
		BlockSize:      id.BlockSize,
		Threads:        h.opts.Threads,
		Major:          h.opts.Major,
		WriteShmSize:   h.opts.WriteShmSize,
		ReadShmSize:    h.opts.ReadShmSize,
		Size:           id.CapacityBytes,
		CollisionArea:  h.opts.CollisionArea,
		QueueDepth:     h.opts.QueueDepth,
		Scheduler:      h.opts.Scheduler,
	})
	if err != nil {
		return errors.Wrapf(err, "creating buse%d", h.opts.Major)
	}

	h.device = b
	h.active = true

	log.Info().Msgf("BUSE device %d registered for %s!", h.opts.Major, id.Name)

	return nil
}

// Run serves requests from the kernel until Stop is called.
func (h *Host) Run() {
	h.device.Run()
}

// Stop makes Run return.
func (h *Host) Stop() {
	log.Info().Msgf("Stopping buse%d device!", h.opts.Major)
	h.device.StopDevice()
}

// Unpublish removes the BUSE device.
func (h *Host) Unpublish(id ramdisk.Identity) error {
	if !h.active {
		return nil
	}

	log.Info().Msgf("Removing buse%d", h.opts.Major)
	h.device.RemoveDevice()
	h.active = false

	return nil
}

// readWriter implements buse.BuseReadWriter on top of the ramdisk.
type readWriter struct {
	submitter ramdisk.Submitter

	// Size of the chunk portion which contains all writes metadata. After
	// this offset real data are stored.
	metadataSize int64

	busyBackoff time.Duration
}

func newReadWriter(s ramdisk.Submitter, writeChunk int64, busyBackoff time.Duration) *readWriter {
	return &readWriter{
		submitter:    s,
		metadataSize: writeChunk / store.BlockSize * writeItemSize,
		busyBackoff:  busyBackoff,
	}
}

// One write from the metadata part of the chunk. Sector and Length are in
// 512 B sectors.
type extent struct {
	Sector int64
	Length int64
	SeqNo  int64
	Flag   int64
}

// Parses write extent information from 32 bytes of raw memory. The memory is
// one write in metadata section of the chunk.
func parseExtent(b []byte) extent {
	return extent{
		Sector: int64(binary.LittleEndian.Uint64(b[:8])),
		Length: int64(binary.LittleEndian.Uint64(b[8:16])),
		SeqNo:  int64(binary.LittleEndian.Uint64(b[16:24])),
		Flag:   int64(binary.LittleEndian.Uint64(b[24:32])),
	}
}

// Handle writes coming from the buse library. writes contain number write
// commands in this call and chunk contains memory where these commands are
// stored together with their data. First part of the chunk are metadata, until
// metadataSize and the rest are data of all writes in the same order.
//
// Writes in one chunk may overlap and the later one has to win. The device
// does not order concurrent requests, so they are submitted one by one.
func (rw *readWriter) BuseWrite(writes int64, chunk []byte) error {
	if int64(len(chunk)) < rw.metadataSize || writes*writeItemSize > rw.metadataSize {
		return errors.Errorf("malformed write chunk: %d writes in %d bytes", writes, len(chunk))
	}

	metadata := chunk[:rw.metadataSize]
	data := chunk[rw.metadataSize:]

	for i := int64(0); i < writes; i++ {
		e := parseExtent(metadata[:writeItemSize])
		metadata = metadata[writeItemSize:]

		// Checked before multiplying, a huge length would wrap around.
		if e.Length < 0 || e.Length > int64(len(data))/store.BlockSize {
			return errors.Errorf("write %d of %d sectors exceeds chunk data", i, e.Length)
		}
		size := e.Length * store.BlockSize

		err := rw.submit(&request.Request{
			Direction: request.Write,
			Sector:    e.Sector,
			Segments:  [][]byte{data[:size]},
		})
		if err != nil {
			return err
		}

		data = data[size:]
	}

	return nil
}

// Read extent starting at sector with length length to the buffer chunk.
// Length of the chunk is the same as length in bytes.
func (rw *readWriter) BuseRead(sector, length int64, chunk []byte) error {
	if length < 0 || length > int64(len(chunk))/store.BlockSize {
		return errors.Errorf("read of %d sectors does not fit %d bytes", length, len(chunk))
	}

	return rw.submit(&request.Request{
		Direction: request.Read,
		Sector:    sector,
		Segments:  [][]byte{chunk[:length*store.BlockSize]},
	})
}

func (rw *readWriter) BusePreRun() {
	log.Info().Msg("BUSE queues running")
}

func (rw *readWriter) BusePostRemove() {
	log.Info().Msg("BUSE device removed")
}

// Submits r and waits for its completion. The device refuses requests when
// its lanes are full, so they are retried until admitted.
func (rw *readWriter) submit(r *request.Request) error {
	for {
		status, err := rw.submitter.Submit(r)
		if errors.Is(err, dispatch.ErrBusy) {
			time.Sleep(rw.busyBackoff)
			continue
		}

		if err != nil {
			return err
		}

		if status != request.Ok {
			return errors.Errorf("%s of sector %d: %s", r.Direction, r.Sector, status)
		}

		return nil
	}
}
