package main

import (
	"context"
	"log"
	"time"

	"github.com/ceymail/ceymail-mc/internal/broadcast"
	"github.com/ceymail/ceymail-mc/internal/model"
	"github.com/ceymail/ceymail-mc/internal/state"
)

// pump forwards values from one producer subscription into apply until
// the context ends or the producer closes the stream. A panic inside
// apply is contained: the pump stops, the daemon keeps running on the
// remaining producers.
func pump[T any](ctx context.Context, name string, sub *broadcast.Subscriber[T], apply func(T)) error {
	defer sub.Close()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("pump %s: recovered from panic: %v", name, r)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case v, ok := <-sub.C():
			if !ok {
				return nil
			}
			apply(v)
		}
	}
}

// pollServices refreshes service states on a fixed tick. The first
// sample happens immediately so the control surfaces do not show an
// empty service list for a whole interval after boot.
func pollServices(ctx context.Context, ctl model.ServiceController, agg *state.Aggregator, interval time.Duration) error {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("pump services: recovered from panic: %v", r)
		}
	}()

	if interval <= 0 {
		interval = model.DefaultServicesInterval
	}
	agg.UpdateServices(ctl.List())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			agg.UpdateServices(ctl.List())
		}
	}
}
