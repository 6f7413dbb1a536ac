/*
Copyright 2026 The Swiped Authors

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

// Package scheduler runs the orchestrator's periodic drivers: three
// task ticks every 30 seconds and the idle reaper every minute. A
// driver's error is logged and swallowed; the next firing retries
// from persisted state.
package scheduler

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loccen/swiped/pkg/proxyinstance"
	"github.com/loccen/swiped/pkg/taskengine"
)

const (
	tickPeriod    = 30 * time.Second
	cleanupPeriod = 60 * time.Second
)

// Driver is one periodic job: a name for log lines, a period and the
// tick body it fires.
type Driver struct {
	Name   string
	Period time.Duration
	Run    func(ctx context.Context) error
}

// Scheduler owns the driver goroutines between Start and Stop.
type Scheduler struct {
	drivers []Driver

	cancel context.CancelFunc
	g      *errgroup.Group
}

// New wires the standard four drivers over engine and proxy.
func New(engine *taskengine.Engine, proxy *proxyinstance.Manager) *Scheduler {
	return NewWithDrivers([]Driver{
		{Name: "confirm-and-transfer", Period: tickPeriod, Run: engine.ConfirmAndTransfer},
		{Name: "push-to-daemon", Period: tickPeriod, Run: engine.PushToDaemon},
		{Name: "monitor", Period: tickPeriod, Run: engine.Monitor},
		{Name: "cleanup", Period: cleanupPeriod, Run: proxy.CheckIdle},
	})
}

// NewWithDrivers builds a Scheduler over an explicit driver list.
func NewWithDrivers(drivers []Driver) *Scheduler {
	return &Scheduler{drivers: drivers}
}

// Start launches one goroutine per driver. Each waits out its period,
// runs its body, logs any error and goes back to waiting, until the
// Start context is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.g, ctx = errgroup.WithContext(ctx)
	for _, d := range s.drivers {
		d := d
		s.g.Go(func() error {
			s.runDriver(ctx, d)
			return nil
		})
	}
	log.Printf("scheduler: started %d driver(s)", len(s.drivers))
}

func (s *Scheduler) runDriver(ctx context.Context, d Driver) {
	ticker := time.NewTicker(d.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := d.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("scheduler: %s: %v", d.Name, err)
		}
	}
}

// Stop cancels every driver and waits for all of them to exit before
// returning.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.g.Wait()
	log.Printf("scheduler: stopped")
}
