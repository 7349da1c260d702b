// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package seq provides synchronized sequence numbers used for tagging
// requests.
package seq

import (
	"sync"
)

// Counter hands out increasing sequence numbers. The zero value is ready to
// use and starts at 1, so 0 can mean "not assigned".
type Counter struct {
	mutex sync.Mutex
	value uint64
}

// Returns the last assigned number. Zero if nothing was assigned yet.
func (c *Counter) Current() uint64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.value
}

// Next assigns and returns the next number.
func (c *Counter) Next() uint64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.value++

	return c.value
}
