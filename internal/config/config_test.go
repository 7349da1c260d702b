// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func reset(path string) {
	Cfg = Config{ConfigPath: path}
}

func TestDefaults(t *testing.T) {
	reset(filepath.Join(t.TempDir(), "missing.toml"))

	if err := parse(); err != nil {
		t.Fatal(err)
	}

	if Cfg.Name != "ramdisk" || Cfg.Blocks != 4096 || Cfg.Lanes != 1 || Cfg.QueueDepth != 128 {
		t.Fatalf("device defaults %+v", Cfg)
	}
	if Cfg.Host != HostNone {
		t.Fatalf("host %q", Cfg.Host)
	}
	if Cfg.Buse.ChunkSize != 4*1024*1024 || Cfg.Buse.WriteBufSize != 32*1024*1024 {
		t.Fatalf("buse sizes not converted to bytes: %+v", Cfg.Buse)
	}
	if Cfg.Export.Enabled || Cfg.Loadgen.Enabled {
		t.Fatal("optional features enabled by default")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	reset(filepath.Join(t.TempDir(), "missing.toml"))

	t.Setenv("RAMDISK_BLOCKS", "8192")
	t.Setenv("RAMDISK_LANES", "4")
	t.Setenv("RAMDISK_HOST", HostBuse)
	t.Setenv("RAMDISK_BUSE_MAJOR", "7")

	if err := parse(); err != nil {
		t.Fatal(err)
	}

	if Cfg.Blocks != 8192 || Cfg.Lanes != 4 || Cfg.Host != HostBuse || Cfg.Buse.Major != 7 {
		t.Fatalf("environment ignored: %+v", Cfg)
	}
}

func TestFileIsRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
name = "scratch"
blocks = 2048
queue_depth = 16

[loadgen]
enabled = true
workers = 2
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	reset(path)

	if err := parse(); err != nil {
		t.Fatal(err)
	}

	if Cfg.Name != "scratch" || Cfg.Blocks != 2048 || Cfg.QueueDepth != 16 {
		t.Fatalf("file values ignored: %+v", Cfg)
	}
	if !Cfg.Loadgen.Enabled || Cfg.Loadgen.Workers != 2 {
		t.Fatalf("loadgen %+v", Cfg.Loadgen)
	}
	if Cfg.Lanes != 1 {
		t.Fatalf("missing value did not get default: %d", Cfg.Lanes)
	}
}

func TestFlagSetsConfigPath(t *testing.T) {
	reset("")
	flagSetup([]string{"-c", "/tmp/other.toml"})

	if Cfg.ConfigPath != "/tmp/other.toml" {
		t.Fatalf("config path %q", Cfg.ConfigPath)
	}
}
