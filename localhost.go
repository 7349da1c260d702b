// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package main

import (
	"sync"

	"github.com/asch/ramdisk/internal/ramdisk"
)

// localHost keeps the device inside the process. It publishes the device
// only into the log and Run just waits for Stop.
type localHost struct {
	ramdisk.LogPublisher

	stop     chan struct{}
	stopOnce sync.Once
}

func newLocalHost() *localHost {
	return &localHost{stop: make(chan struct{})}
}

func (h *localHost) Run() {
	<-h.stop
}

func (h *localHost) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}
