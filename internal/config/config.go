// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"flag"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	defaultConfig = "/etc/ramdisk/config.toml"

	HostNone = "none"
	HostBuse = "buse"
)

var Cfg Config

// Configuration structure for the program. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure.
//
// Values are not validated here. The device refuses invalid geometry itself.
type Config struct {
	ConfigPath string

	Name       string `toml:"name" env:"RAMDISK_NAME" env-default:"ramdisk" env-description:"Device name."`
	Blocks     int64  `toml:"blocks" env:"RAMDISK_BLOCKS" env-default:"4096" env-description:"Device size in 512 B blocks."`
	Lanes      int    `toml:"lanes" env:"RAMDISK_LANES" env-default:"1" env-description:"Number of dispatch lanes."`
	QueueDepth int    `toml:"queue_depth" env:"RAMDISK_QUEUEDEPTH" env-default:"128" env-description:"Maximal in-flight requests per lane."`
	Host       string `toml:"host" env:"RAMDISK_HOST" env-default:"none" env-description:"Host integration publishing the device. One of none, buse."`

	Buse struct {
		Major         int  `toml:"major" env:"RAMDISK_BUSE_MAJOR" env-default:"0" env-description:"Device major. Decimal part of /dev/buse%d."`
		Threads       int  `toml:"threads" env:"RAMDISK_BUSE_THREADS" env-default:"0" env-description:"Number of user-space threads for serving queues."`
		Scheduler     bool `toml:"scheduler" env:"RAMDISK_BUSE_SCHEDULER" env-default:"false" env-description:"Use block layer scheduler."`
		Durable       bool `toml:"durable" env:"RAMDISK_BUSE_DURABLE" env-default:"false" env-description:"Flush semantics. True means durable, false means barrier only."`
		WriteBufSize  int  `toml:"write_shared_buffer_size" env:"RAMDISK_BUSE_WRITE_BUFSIZE" env-default:"32" env-description:"Write shared memory size in MB."`
		ReadBufSize   int  `toml:"read_shared_buffer_size" env:"RAMDISK_BUSE_READ_BUFSIZE" env-default:"32" env-description:"Read shared memory size in MB."`
		ChunkSize     int  `toml:"chunk_size" env:"RAMDISK_BUSE_CHUNKSIZE" env-default:"4" env-description:"Write chunk size in MB."`
		CollisionSize int  `toml:"collision_chunk_size" env:"RAMDISK_BUSE_COLSIZE" env-default:"1" env-description:"Collision size in MB."`
	} `toml:"buse"`

	Export struct {
		Enabled     bool   `toml:"enabled" env:"RAMDISK_EXPORT" env-default:"false" env-description:"Upload the final image to s3 on teardown."`
		Bucket      string `toml:"bucket" env:"RAMDISK_EXPORT_BUCKET" env-default:"ramdisk" env-description:"S3 Bucket name."`
		Remote      string `toml:"remote" env:"RAMDISK_EXPORT_REMOTE" env-default:"" env-description:"S3 Remote address. Empty string for AWS S3 endpoint."`
		Region      string `toml:"region" env:"RAMDISK_EXPORT_REGION" env-default:"us-east-1" env-description:"S3 Region."`
		AccessKey   string `toml:"access_key" env:"RAMDISK_EXPORT_ACCESSKEY" env-default:"" env-description:"S3 Access Key."`
		SecretKey   string `toml:"secret_key" env:"RAMDISK_EXPORT_SECRETKEY" env-default:"" env-description:"S3 Secret Key."`
		Prefix      string `toml:"prefix" env:"RAMDISK_EXPORT_PREFIX" env-default:"exports" env-description:"Key prefix of exported objects."`
		PartSize    int64  `toml:"part_size" env:"RAMDISK_EXPORT_PARTSIZE" env-default:"16" env-description:"Multipart upload part size in MB."`
		Concurrency int    `toml:"concurrency" env:"RAMDISK_EXPORT_CONCURRENCY" env-default:"4" env-description:"Parallel part uploads."`
	} `toml:"export"`

	Loadgen struct {
		Enabled    bool  `toml:"enabled" env:"RAMDISK_LOADGEN" env-default:"false" env-description:"Run the built-in workload after the device is active."`
		Workers    int   `toml:"workers" env:"RAMDISK_LOADGEN_WORKERS" env-default:"4" env-description:"Concurrent workers."`
		Requests   int   `toml:"requests" env:"RAMDISK_LOADGEN_REQUESTS" env-default:"1000" env-description:"Write-read-verify rounds per worker."`
		MaxSectors int64 `toml:"max_sectors" env:"RAMDISK_LOADGEN_MAXSECTORS" env-default:"64" env-description:"Maximal request length in sectors."`
		Seed       int64 `toml:"seed" env:"RAMDISK_LOADGEN_SEED" env-default:"1" env-description:"Random seed."`
	} `toml:"loadgen"`

	Log struct {
		Level  int  `toml:"level" env:"RAMDISK_LOG_LEVEL" env-description:"Log level." env-default:"-1"`
		Pretty bool `toml:"pretty" env:"RAMDISK_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`

	Profiler     bool `toml:"profiler" env:"RAMDISK_PROFILER" env-description:"Enable golang web profiler." env-default:"false"`
	ProfilerPort int  `toml:"profiler_port" env:"RAMDISK_PROFILER_PORT" env-description:"Port to listen on." env-default:"6060"`
}

// Configure reads commandline flags and handles the configuration. The
// configuration file has the lower priotiry and the environment variables have
// the highest priority. It is perfetcly to fine to use just one of these or to
// combine them.
func Configure() error {
	flagSetup(os.Args[1:])
	err := parse()

	return err
}

// Parse the configuration file and reads the environment variable. After that
// it does some values postprocessing and fills the Cfg structure.
func parse() error {
	if err := cleanenv.ReadConfig(Cfg.ConfigPath, &Cfg); err != nil {
		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	Cfg.Buse.WriteBufSize *= 1024 * 1024
	Cfg.Buse.ReadBufSize *= 1024 * 1024
	Cfg.Buse.ChunkSize *= 1024 * 1024
	Cfg.Buse.CollisionSize *= 1024 * 1024
	Cfg.Export.PartSize *= 1024 * 1024

	return nil
}

// Handle program flags.
func flagSetup(args []string) {
	f := flag.NewFlagSet("ramdisk", flag.ExitOnError)
	f.StringVar(&Cfg.ConfigPath, "c", defaultConfig, "Path to configuration file")
	f.Usage = cleanenv.FUsage(f.Output(), &Cfg, nil, f.Usage)
	f.Parse(args)
}
