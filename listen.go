package main

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"deedles.dev/keymapper/internal/evdev"
	"deedles.dev/keymapper/internal/producer"
	"golang.org/x/sys/unix"
)

// Listener reads events from a single device and sends them to C. The
// device is grabbed so that its events only arrive through the synthetic
// device.
type Listener struct {
	Device string
	C      chan<- evdev.InputEvent
	Retry  time.Duration

	// Producer is calibrated with the device's axes, if it has any.
	Producer *producer.Producer
}

func (lis Listener) Run(ctx context.Context) error {
	logger := Logger(ctx).With("device", lis.Device)
	ctx = WithLogger(ctx, logger)

	for {
		retry, err := lis.listen(ctx)
		if (lis.Retry <= 0) || !retry {
			return err
		}

		logger.Info("waiting before retrying", "duration", lis.Retry, slogErr(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lis.Retry):
		}
	}
}

func (lis *Listener) listen(ctx context.Context) (retry bool, err error) {
	logger := Logger(ctx)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d, err := evdev.Open(lis.Device)
	if err != nil {
		retry := isTemporary(err) || errors.Is(err, fs.ErrNotExist)
		if retry {
			return true, err
		}

		logger.Warn("ignoring device", "reason", "failed to open", slogErr(err))
		return false, nil
	}
	defer d.Close()

	go func() {
		<-ctx.Done()
		d.Close()
	}()

	logger.Info(
		"initialized device",
		"name", d.Name,
		"bus", d.ID.BusType,
		"vendor", d.ID.Vendor,
		"product", d.ID.Product,
	)

	hasKeys, hasAxes := d.HasEventType(evdev.EvKey), d.HasEventType(evdev.EvAbs)
	if !hasKeys && !hasAxes {
		logger.Info("ignoring device", "reason", "sends neither keys nor absolute axes")
		return false, nil
	}
	if hasAxes && (lis.Producer != nil) {
		lis.Producer.SetAbsRangeFrom(d)
	}

	err = d.Grab()
	if err != nil {
		logger.Warn("ignoring device", "reason", "failed to grab", slogErr(err))
		return false, nil
	}

	for {
		ev, err := d.NextEvent()
		if err != nil {
			if ctx.Err() != nil {
				return false, err
			}
			if errors.Is(err, fs.ErrClosed) {
				logger.Warn("device closed while reading")
				return false, nil
			}
			if isTemporary(err) || errors.Is(err, unix.ENODEV) {
				logger.Warn("device disappeared while reading", slogErr(err))
				return true, err
			}

			logger.Warn("read event", slogErr(err))
			continue
		}

		if ev.Type == evdev.EvSyn {
			continue
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case lis.C <- ev:
		}
	}
}

func isTemporary(err error) bool {
	var errno unix.Errno
	return errors.As(err, &errno) && errno.Temporary()
}
