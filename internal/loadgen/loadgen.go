// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package loadgen drives the device from within the process. Every worker
// owns a disjoint slice of the device, writes random patterns of random
// length there, reads them back and compares. It is useful for benchmarking
// the dispatch path and for checking the device without a kernel module.
package loadgen

import (
	"bytes"
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/asch/ramdisk/internal/ramdisk"
	"github.com/asch/ramdisk/internal/ramdisk/dispatch"
	"github.com/asch/ramdisk/internal/ramdisk/request"
	"github.com/asch/ramdisk/internal/ramdisk/store"
)

// Options of the workload.
type Options struct {
	Workers int

	// Number of write-read-verify rounds per worker.
	Requests int

	// Upper bound of one request length in sectors.
	MaxSectors int64

	Seed int64
}

// Result of a finished workload.
type Result struct {
	Requests int64
	Bytes    int64
	Busy     int64
	Elapsed  time.Duration
}

// Run executes the workload against s. The device has blocks sectors. It
// stops at the first failed request, mismatch or when ctx is canceled.
func Run(ctx context.Context, s ramdisk.Submitter, blocks int64, o Options) (Result, error) {
	if o.Workers < 1 || o.MaxSectors < 1 {
		return Result{}, errors.Errorf("invalid workload: %d workers, %d sectors", o.Workers, o.MaxSectors)
	}

	span := blocks / int64(o.Workers)
	if span < 1 {
		return Result{}, errors.Errorf("%d sectors cannot be split between %d workers", blocks, o.Workers)
	}

	var res Result
	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < o.Workers; w++ {
		w := w
		g.Go(func() error {
			wk := worker{
				submitter:  s,
				first:      int64(w) * span,
				span:       span,
				maxSectors: o.MaxSectors,
				rnd:        rand.New(rand.NewSource(o.Seed + int64(w))),
				result:     &res,
			}
			return wk.run(ctx, o.Requests)
		})
	}

	err := g.Wait()
	res.Elapsed = time.Since(start)

	log.Info().Int("workers", o.Workers).Int64("requests", res.Requests).
		Int64("bytes", res.Bytes).Int64("busy", res.Busy).Dur("elapsed", res.Elapsed).
		Float64("MiB/s", float64(res.Bytes)/(1<<20)/res.Elapsed.Seconds()).
		Msg("Load generator finished")

	return res, err
}

type worker struct {
	submitter  ramdisk.Submitter
	first      int64
	span       int64
	maxSectors int64
	rnd        *rand.Rand
	result     *Result
}

func (w *worker) run(ctx context.Context, rounds int) error {
	for i := 0; i < rounds; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		length := 1 + w.rnd.Int63n(w.maxSectors)
		if length > w.span {
			length = w.span
		}
		sector := w.first + w.rnd.Int63n(w.span-length+1)

		pattern := make([]byte, length*store.BlockSize)
		w.rnd.Read(pattern)

		// Split the payload into two segments to exercise stitching.
		cut := w.rnd.Intn(len(pattern) + 1)
		err := w.submit(&request.Request{
			Direction: request.Write,
			Sector:    sector,
			Segments:  [][]byte{pattern[:cut], pattern[cut:]},
		})
		if err != nil {
			return err
		}

		got := make([]byte, len(pattern))
		err = w.submit(&request.Request{
			Direction: request.Read,
			Sector:    sector,
			Segments:  [][]byte{got},
		})
		if err != nil {
			return err
		}

		if !bytes.Equal(got, pattern) {
			return errors.Errorf("data mismatch at sector %d, %d sectors", sector, length)
		}

		atomic.AddInt64(&w.result.Requests, 2)
		atomic.AddInt64(&w.result.Bytes, 2*int64(len(pattern)))
	}

	return nil
}

func (w *worker) submit(r *request.Request) error {
	for {
		status, err := w.submitter.Submit(r)
		if errors.Is(err, dispatch.ErrBusy) {
			atomic.AddInt64(&w.result.Busy, 1)
			time.Sleep(10 * time.Microsecond)
			continue
		}

		if err != nil {
			return errors.Wrapf(err, "%s sector %d", r.Direction, r.Sector)
		}

		if status != request.Ok {
			return errors.Errorf("%s sector %d: %s", r.Direction, r.Sector, status)
		}

		return nil
	}
}
