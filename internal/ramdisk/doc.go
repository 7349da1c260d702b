// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// ramdisk is a block device backed by a region of process memory. It is
// independent of the way requests reach it. A host integration publishes the
// device identity and pushes requests into it through the Submitter
// interface, e.g. the BUSE adapter in internal/busehost.
//
// The device is composed of three parts, each in its own package. The store
// owns the memory, the dispatch unit provides bounded concurrent lanes and
// the engine executes a request on a lane against the store. This package
// binds them together and drives the lifecycle of the device.
package ramdisk
