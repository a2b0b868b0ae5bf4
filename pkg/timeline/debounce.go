// matrix-timeline - A client-side timeline engine for Matrix rooms.
// Copyright (C) 2025 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package timeline

import (
	"sync"
	"time"
)

// snapshotDebouncer coalesces bursts of change notifications into a single
// delivery. A burst of N triggers inside one delay window produces exactly
// one call to deliver. Deliveries never overlap.
type snapshotDebouncer struct {
	lock        sync.Mutex
	deliverLock sync.Mutex
	timer       *time.Timer
	delay       time.Duration
	stopped     bool

	deliver func()
}

func newSnapshotDebouncer(delay time.Duration, deliver func()) *snapshotDebouncer {
	return &snapshotDebouncer{delay: delay, deliver: deliver}
}

// Trigger arms the delivery timer. Triggers while a timer is already armed
// are absorbed into the pending delivery.
func (sd *snapshotDebouncer) Trigger() {
	sd.lock.Lock()
	defer sd.lock.Unlock()
	if sd.stopped || sd.timer != nil {
		return
	}
	sd.timer = time.AfterFunc(sd.delay, sd.fire)
}

func (sd *snapshotDebouncer) fire() {
	sd.lock.Lock()
	sd.timer = nil
	stopped := sd.stopped
	sd.lock.Unlock()
	if stopped {
		return
	}
	sd.deliverLock.Lock()
	defer sd.deliverLock.Unlock()
	sd.deliver()
}

// Stop cancels any pending delivery and rejects future triggers.
func (sd *snapshotDebouncer) Stop() {
	sd.lock.Lock()
	defer sd.lock.Unlock()
	sd.stopped = true
	if sd.timer != nil {
		sd.timer.Stop()
		sd.timer = nil
	}
}
