package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/parcel-tracking/internal/models"
	"github.com/example/parcel-tracking/internal/realtime"
)

// locationSender is the part of *realtime.Channel a courier push needs.
type locationSender interface {
	State() realtime.State
	OnState(fn func(realtime.State)) func()
	Send(payload any) error
}

var errChannelDown = errors.New("realtime channel unavailable")

// waitOpen blocks until ch is open. Unavailable and Closed are final for a
// sender, since polling only carries inbound messages.
func waitOpen(ctx context.Context, ch locationSender) error {
	wake := make(chan struct{}, 1)
	defer ch.OnState(func(realtime.State) {
		select {
		case wake <- struct{}{}:
		default:
		}
	})()
	for {
		switch s := ch.State(); s {
		case realtime.Open:
			return nil
		case realtime.Unavailable, realtime.Closed:
			return fmt.Errorf("%w: %s", errChannelDown, s)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

// pushLocations sends the courier position for jobID once the channel opens,
// then again every interval. A zero interval sends once. A send that races a
// disconnect is logged and retried on the next tick after the channel reopens.
func pushLocations(ctx context.Context, ch locationSender, jobID string, pos func() models.CourierPosition, every time.Duration, log *slog.Logger) error {
	send := func() error {
		if err := waitOpen(ctx, ch); err != nil {
			return err
		}
		p := pos()
		if err := ch.Send(realtime.LocationFrame(jobID, p)); err != nil {
			if errors.Is(err, models.ErrChannelNotOpen) {
				log.Warn("location not sent, channel dropped", "job_id", jobID)
				return nil
			}
			return err
		}
		log.Debug("location sent", "job_id", jobID, "lat", p.Lat, "lng", p.Lng)
		return nil
	}

	if err := send(); err != nil || every <= 0 {
		return err
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := send(); err != nil {
				return err
			}
		}
	}
}
