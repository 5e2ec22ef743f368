/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// maxSleepSlice bounds a single nanosleep so cancellation is noticed
const maxSleepSlice int64 = 100000000

// Clock is a source of time with absolute sleep
type Clock interface {
	Now() int64
	SleepUntil(ctx context.Context, ns int64) error
}

// SystemClock reads and sleeps on a posix clock, CLOCK_TAI by default
type SystemClock struct {
	ID int32
}

// NewSystemClock returns clock with the given id
func NewSystemClock(id int32) *SystemClock {
	return &SystemClock{ID: id}
}

// ClockByName returns clock id by its name
func ClockByName(name string) (int32, error) {
	switch name {
	case "", "tai", "CLOCK_TAI":
		return unix.CLOCK_TAI, nil
	case "realtime", "CLOCK_REALTIME":
		return unix.CLOCK_REALTIME, nil
	case "monotonic", "CLOCK_MONOTONIC":
		return unix.CLOCK_MONOTONIC, nil
	}
	return 0, fmt.Errorf("unsupported clock %q", name)
}

// Now returns current time in ns
func (c *SystemClock) Now() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(c.ID, &ts); err != nil {
		return 0
	}
	return ts.Nano()
}

// SleepUntil sleeps until absolute time ns or ctx is done
func (c *SystemClock) SleepUntil(ctx context.Context, ns int64) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		target := ns
		if now := c.Now(); target-now > maxSleepSlice {
			target = now + maxSleepSlice
		}
		ts := unix.NsecToTimespec(target)
		err := unix.ClockNanosleep(c.ID, unix.TIMER_ABSTIME, &ts, nil)
		if err != nil && !errors.Is(err, unix.EINTR) {
			return fmt.Errorf("clock_nanosleep: %w", err)
		}
		if target == ns && err == nil {
			return nil
		}
	}
}

// FakeClock is a manually driven clock. Sleeping moves time forward.
type FakeClock struct {
	sync.Mutex
	now    int64
	sleeps []int64
}

// NewFakeClock returns clock set to now
func NewFakeClock(now int64) *FakeClock {
	return &FakeClock{now: now}
}

// Now returns current fake time
func (c *FakeClock) Now() int64 {
	c.Lock()
	defer c.Unlock()
	return c.now
}

// Set moves time to ns
func (c *FakeClock) Set(ns int64) {
	c.Lock()
	c.now = ns
	c.Unlock()
}

// Advance moves time forward by d ns
func (c *FakeClock) Advance(d int64) {
	c.Lock()
	c.now += d
	c.Unlock()
}

// SleepUntil records the request and jumps to ns if it is in the future
func (c *FakeClock) SleepUntil(ctx context.Context, ns int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Lock()
	defer c.Unlock()
	c.sleeps = append(c.sleeps, ns)
	c.now = max(c.now, ns)
	return nil
}

// Sleeps returns all instants slept until
func (c *FakeClock) Sleeps() []int64 {
	c.Lock()
	defer c.Unlock()
	return append([]int64{}, c.sleeps...)
}
