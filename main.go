// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// ramdisk is a userspace daemon providing a block device backed by process
// memory. The device can be published through BUSE as /dev/buse%d or kept
// inside the process and driven by the built-in load generator.
//
// Project structure is following:
//
// - internal/ramdisk contains the device itself. Its subpackages are the
// memory store, the dispatch lanes, the request engine and the request
// model. See the package descriptions in the source code for more details.
//
// - internal/busehost publishes the device through the BUSE kernel module.
//
// - internal/loadgen is a concurrent write-read-verify workload used for
// benchmarking and self checks.
//
// - internal/config contains configuration package.
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asch/ramdisk/internal/busehost"
	"github.com/asch/ramdisk/internal/config"
	"github.com/asch/ramdisk/internal/loadgen"
	"github.com/asch/ramdisk/internal/ramdisk"
	"github.com/asch/ramdisk/internal/ramdisk/export"
	"github.com/asch/ramdisk/internal/ramdisk/export/s3"
)

// Host which publishes the device and serves it until stopped.
type host interface {
	ramdisk.Publisher
	Run()
	Stop()
}

// Parse configuration from file and environment variables, creates the
// device and publishes it through the configured host. The device is ran
// until it is signaled by SIGINT or SIGTERM to gracefully finish.
func main() {
	err := config.Configure()
	if err != nil {
		log.Panic().Err(err).Send()
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	if config.Cfg.Profiler {
		runProfiler(config.Cfg.ProfilerPort)
	}

	h, err := getHost(config.Cfg.Host)
	if err != nil {
		log.Panic().Err(err).Send()
	}

	opts := ramdisk.Options{
		Name:       config.Cfg.Name,
		Blocks:     config.Cfg.Blocks,
		Lanes:      config.Cfg.Lanes,
		QueueDepth: config.Cfg.QueueDepth,
	}

	if config.Cfg.Export.Enabled {
		opts.Exporter, err = getExporter()
		if err != nil {
			log.Panic().Err(err).Send()
		}
	}

	device, err := ramdisk.New(opts, h)
	if err != nil {
		log.Panic().Err(err).Send()
	}

	ctx, cancel := context.WithCancel(context.Background())
	registerSigHandlers(h, cancel)

	if config.Cfg.Loadgen.Enabled {
		go runLoadgen(ctx, device)
	}

	h.Run()

	log.Info().Msgf("Shutting down %s", config.Cfg.Name)
	if err := device.Shutdown(); err != nil {
		log.Error().Err(err).Send()
		os.Exit(1)
	}
}

// Returns BUSE host if user wants it, otherwise the device is only published
// into the log and lives inside this process.
func getHost(name string) (host, error) {
	switch name {
	case config.HostBuse:
		return busehost.New(busehost.Options{
			Major:         int64(config.Cfg.Buse.Major),
			Threads:       config.Cfg.Buse.Threads,
			QueueDepth:    int64(config.Cfg.QueueDepth),
			Scheduler:     config.Cfg.Buse.Scheduler,
			Durable:       config.Cfg.Buse.Durable,
			WriteChunk:    int64(config.Cfg.Buse.ChunkSize),
			WriteShmSize:  int64(config.Cfg.Buse.WriteBufSize),
			ReadShmSize:   int64(config.Cfg.Buse.ReadBufSize),
			CollisionArea: int64(config.Cfg.Buse.CollisionSize),
		}), nil

	case config.HostNone:
		return newLocalHost(), nil
	}

	return nil, fmt.Errorf("unknown host %q", name)
}

func getExporter() (*export.Exporter, error) {
	uploader, err := s3.New(s3.Options{
		Remote:      config.Cfg.Export.Remote,
		Region:      config.Cfg.Export.Region,
		Bucket:      config.Cfg.Export.Bucket,
		AccessKey:   config.Cfg.Export.AccessKey,
		SecretKey:   config.Cfg.Export.SecretKey,
		PartSize:    config.Cfg.Export.PartSize,
		Concurrency: config.Cfg.Export.Concurrency,
	})
	if err != nil {
		return nil, err
	}

	return export.New(uploader, config.Cfg.Export.Prefix), nil
}

// Runs the workload once and logs the outcome. The device keeps running
// afterwards until it is signaled.
func runLoadgen(ctx context.Context, device *ramdisk.Device) {
	_, err := loadgen.Run(ctx, device, device.Identity().Blocks, loadgen.Options{
		Workers:    config.Cfg.Loadgen.Workers,
		Requests:   config.Cfg.Loadgen.Requests,
		MaxSectors: config.Cfg.Loadgen.MaxSectors,
		Seed:       config.Cfg.Loadgen.Seed,
	})
	if err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("Load generator failed")
	}
}

// Register handler for graceful stop when SIGINT or SIGTERM came in.
func registerSigHandlers(h host, cancel context.CancelFunc) {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)
	go func() {
		<-stopChan
		log.Info().Msgf("Received interrupt, stopping %s device!", config.Cfg.Name)
		cancel()
		h.Stop()
	}()
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling support. Useful for perfomance debugging.
func runProfiler(port int) {
	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}
