// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package main

import (
	"testing"
	"time"

	"github.com/asch/ramdisk/internal/busehost"
	"github.com/asch/ramdisk/internal/config"
	"github.com/asch/ramdisk/internal/ramdisk"
)

func TestGetHost(t *testing.T) {
	h, err := getHost(config.HostNone)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := h.(*localHost); !ok {
		t.Fatalf("got %T for %q", h, config.HostNone)
	}

	h, err = getHost(config.HostBuse)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := h.(*busehost.Host); !ok {
		t.Fatalf("got %T for %q", h, config.HostBuse)
	}

	if _, err := getHost("nbd"); err == nil {
		t.Fatal("unknown host accepted")
	}
}

func TestLocalHostLifecycle(t *testing.T) {
	h := newLocalHost()

	d, err := ramdisk.New(ramdisk.DefaultOptions(), h)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		h.Run()
		close(done)
	}()

	h.Stop()
	h.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}

	if err := d.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if d.State() != ramdisk.Freed {
		t.Fatalf("state %v", d.State())
	}
}
