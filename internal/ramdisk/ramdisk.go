// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package ramdisk

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/asch/ramdisk/internal/ramdisk/dispatch"
	"github.com/asch/ramdisk/internal/ramdisk/engine"
	"github.com/asch/ramdisk/internal/ramdisk/export"
	"github.com/asch/ramdisk/internal/ramdisk/request"
	"github.com/asch/ramdisk/internal/ramdisk/seq"
	"github.com/asch/ramdisk/internal/ramdisk/store"
)

const (
	DefaultName       = "ramdisk"
	DefaultBlocks     = 4096
	DefaultLanes      = 1
	DefaultQueueDepth = 128
)

var (
	ErrNotActive = errors.New("device is not accepting requests")
	ErrPublish   = errors.New("device publication failed")
)

// Identity is what the device publishes to its host.
type Identity struct {
	Name   string
	Serial uuid.UUID

	// Size of one block in bytes. Always store.BlockSize.
	BlockSize int64

	// Number of blocks of the device.
	Blocks int64

	// Always BlockSize*Blocks.
	CapacityBytes int64
}

// Submitter accepts requests for the device. Both methods may be called
// concurrently.
type Submitter interface {
	// Submit executes r and waits for its completion.
	Submit(r *request.Request) (request.Status, error)

	// SubmitAsync admits r and returns. complete is called exactly once
	// with the status of r, from the lane which executed it. complete runs
	// on the lane worker, so it must not call Shutdown or Submit. Both wait
	// for work which can be queued behind complete on the same lane.
	SubmitAsync(r *request.Request, complete func(request.Status)) error
}

// Publisher exposes the device to the outside world, e.g. creates a block
// device node backed by the Submitter.
type Publisher interface {
	Publish(id Identity, s Submitter) error
	Unpublish(id Identity) error
}

// ImageExporter receives the final contents of the device during teardown,
// after all requests drained and before the memory is released.
type ImageExporter interface {
	Export(m export.Manifest, image *io.SectionReader) error
}

// Options to use in New() function due to high number of parameters.
type Options struct {
	Name       string
	Blocks     int64
	Lanes      int
	QueueDepth int

	// Optional.
	Exporter ImageExporter
}

// DefaultOptions returns a 2 MiB device with a single lane of depth 128.
func DefaultOptions() Options {
	return Options{
		Name:       DefaultName,
		Blocks:     DefaultBlocks,
		Lanes:      DefaultLanes,
		QueueDepth: DefaultQueueDepth,
	}
}

// Device binds the store and the dispatch unit to the published identity. It
// owns both of them for its whole life.
type Device struct {
	id        Identity
	createdAt time.Time

	store     *store.Store
	unit      *dispatch.Unit
	publisher Publisher
	exporter  ImageExporter

	// Holds State. Accessed atomically.
	state int32

	// Sequence numbers for requests.
	seq seq.Counter

	stats counters

	// Serializes teardown.
	shutdownMu sync.Mutex
}

// New allocates the store, creates the dispatch unit and publishes the
// device through publisher. On success the device is Active. On failure all
// resources acquired so far are released in reverse order.
func New(o Options, publisher Publisher) (*Device, error) {
	d := &Device{}
	if err := d.init(o, publisher); err != nil {
		return nil, err
	}

	return d, nil
}

func (d *Device) init(o Options, publisher Publisher) error {
	if publisher == nil {
		return errors.Wrap(ErrPublish, "no publisher")
	}

	d.publisher = publisher
	d.exporter = o.Exporter
	d.createdAt = time.Now()
	d.id.Name = o.Name

	st, err := store.New(o.Blocks)
	if err != nil {
		log.Error().Err(err).Str("name", o.Name).Msg("Failed to allocate backing memory")
		return err
	}
	d.store = st
	d.setState(StoreReady)

	unit, err := dispatch.New(o.Lanes, o.QueueDepth)
	if err != nil {
		log.Error().Err(err).Str("name", o.Name).Msg("Failed to create dispatch unit")
		d.rollback()
		return err
	}
	d.unit = unit
	d.setState(DispatchReady)

	d.id = Identity{
		Name:          o.Name,
		Serial:        uuid.New(),
		BlockSize:     store.BlockSize,
		Blocks:        st.Blocks(),
		CapacityBytes: st.Size(),
	}

	if err := publisher.Publish(d.id, d); err != nil {
		log.Error().Err(err).Str("name", o.Name).Msg("Failed to publish device")
		d.rollback()
		return errors.Wrapf(ErrPublish, "%s: %v", o.Name, err)
	}
	d.setState(Registered)

	// Registration is the last step, accepting requests follows
	// immediately.
	d.setState(Active)

	log.Info().Str("name", d.id.Name).Str("serial", d.id.Serial.String()).
		Int64("blocks", d.id.Blocks).Int64("bytes", d.id.CapacityBytes).
		Int("lanes", unit.Lanes()).Int("queue_depth", unit.Depth()).
		Msg("Device active")

	return nil
}

// Releases whatever was acquired during init in reverse order and returns
// to Uninitialized.
func (d *Device) rollback() {
	if d.unit != nil {
		d.unit.Close()
		d.unit = nil
	}

	if d.store != nil {
		if err := d.store.Release(); err != nil {
			log.Error().Err(err).Msg("Failed to release backing memory")
		}
	}

	d.setState(Uninitialized)
}

// Identity returns the published identity.
func (d *Device) Identity() Identity {
	return d.id
}

// State returns current lifecycle state.
func (d *Device) State() State {
	return State(atomic.LoadInt32(&d.state))
}

func (d *Device) setState(s State) {
	old := State(atomic.SwapInt32(&d.state, int32(s)))
	log.Debug().Str("name", d.id.Name).Str("from", old.String()).Str("to", s.String()).
		Msg("Device state changed")
}

// SubmitAsync implements Submitter. It fails with ErrNotActive when the
// device is not Active and with dispatch.ErrBusy when all lanes are full.
// In both cases complete is never called.
func (d *Device) SubmitAsync(r *request.Request, complete func(request.Status)) error {
	if d.State() != Active {
		return ErrNotActive
	}

	r.ID = d.seq.Next()

	err := d.unit.Dispatch(func(lane int) {
		status := engine.Execute(d.store, r)
		d.stats.account(r, status)
		complete(status)
	})

	switch {
	case errors.Is(err, dispatch.ErrBusy):
		atomic.AddUint64(&d.stats.busy, 1)
	case errors.Is(err, dispatch.ErrClosed):
		// Teardown started between the state check and admission.
		return ErrNotActive
	}

	return err
}

// Submit implements Submitter.
func (d *Device) Submit(r *request.Request) (request.Status, error) {
	done := make(chan request.Status, 1)

	if err := d.SubmitAsync(r, func(s request.Status) { done <- s }); err != nil {
		return request.IoError, err
	}

	return <-done, nil
}

// Shutdown stops accepting requests and releases everything in reverse order
// of acquisition. The device is unpublished first, then the dispatch unit is
// closed, which waits for all in-flight requests to complete, the image is
// exported if an exporter is set and finally the store is released. It
// returns after everything is released. Calling it on a freed device does
// nothing.
func (d *Device) Shutdown() error {
	d.shutdownMu.Lock()
	defer d.shutdownMu.Unlock()

	switch d.State() {
	case Freed:
		return nil
	case Active:
	default:
		return errors.Errorf("cannot shut down device in state %s", d.State())
	}

	d.setState(Unregistering)
	log.Info().Str("name", d.id.Name).Int64("in_flight", d.unit.InFlight()).
		Msg("Unregistering device, draining requests")

	var result error

	if err := d.publisher.Unpublish(d.id); err != nil {
		log.Error().Err(err).Str("name", d.id.Name).Msg("Failed to unpublish device")
		result = err
	}

	// Blocks until every admitted request completed.
	d.unit.Close()

	if d.exporter != nil {
		d.exportImage()
	}

	if err := d.store.Release(); err != nil {
		log.Error().Err(err).Msg("Failed to release backing memory")
		if result == nil {
			result = err
		}
	}

	d.setState(Freed)
	d.Stats().report(d.id.Name)

	return result
}

// Export failure must not keep the memory around, it is only logged.
func (d *Device) exportImage() {
	m := export.Manifest{
		Name:      d.id.Name,
		Serial:    d.id.Serial.String(),
		BlockSize: d.id.BlockSize,
		Blocks:    d.id.Blocks,
		CreatedAt: d.createdAt,
	}

	image := io.NewSectionReader(d.store, 0, d.store.Size())
	if err := d.exporter.Export(m, image); err != nil {
		log.Error().Err(err).Str("name", d.id.Name).Msg("Image export failed")
	}
}

// LogPublisher publishes the device only to the log. It is used when no host
// integration is configured and the device is driven from within the
// process.
type LogPublisher struct{}

func (LogPublisher) Publish(id Identity, s Submitter) error {
	log.Info().Str("name", id.Name).Str("serial", id.Serial.String()).
		Int64("block_size", id.BlockSize).Int64("blocks", id.Blocks).
		Int64("capacity", id.CapacityBytes).Msg("Device published")
	return nil
}

func (LogPublisher) Unpublish(id Identity) error {
	log.Info().Str("name", id.Name).Msg("Device unpublished")
	return nil
}
