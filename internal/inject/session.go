package inject

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"deedles.dev/keymapper/internal/evdev"
	"deedles.dev/keymapper/internal/metrics"
	"deedles.dev/keymapper/internal/producer"
	"deedles.dev/keymapper/internal/syskeys"
	"deedles.dev/keymapper/internal/vdev"
	"deedles.dev/keymapper/internal/xkb"
	"golang.org/x/sync/errgroup"
)

// DefaultSettle is how long to wait after creating a device before the
// display server can be expected to list it.
const DefaultSettle = 500 * time.Millisecond

var errInputClosed = errors.New("input closed")

// Session runs one injection. Context must have been prepared.
type Session struct {
	Context  *Context
	Registry Resolver

	// Producer turns stick movement into pointer events. If it is nil,
	// absolute axes are ignored.
	Producer *producer.Producer

	// Builder and Applier teach the display server about invented
	// keycodes. If Builder is nil, the layout is left alone.
	Builder *xkb.Builder
	Applier xkb.Applier
	Settle  time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	reloadOnce sync.Once
	reload     chan struct{}
	applied    []xkb.Entry

	applyM sync.Mutex
}

func (s *Session) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// Handle translates a single event and writes the result.
func (s *Session) Handle(ev evdev.InputEvent) error {
	switch ev.Type {
	case evdev.EvKey:
		return s.handleKey(ev)

	case evdev.EvAbs:
		if (s.Producer != nil) && s.Producer.Handles(ev.Code) {
			s.Producer.Notify(ev.Code, ev.Value)
		}
		return nil

	default:
		return nil
	}
}

func (s *Session) handleKey(ev evdev.InputEvent) error {
	c := s.Context

	if codes, ok := c.macroCodes[ev.Code]; ok {
		if ev.Value != 1 {
			return nil
		}
		for _, code := range codes {
			err := s.press(code, 1)
			if err != nil {
				return err
			}
			err = s.press(code, 0)
			if err != nil {
				return err
			}
		}
		return nil
	}

	code, ok := c.KeyToCode[ev.Code]
	if !ok {
		if _, mapped := c.Mapping[ev.Code]; mapped {
			// Prepare already logged why the symbol is unusable.
			return nil
		}
		code = int(ev.Code)
	}
	return s.press(code, ev.Value)
}

// press writes a key state change. Repeats are left to the display server.
func (s *Session) press(code int, value int32) error {
	if code == syskeys.DisableCode {
		return nil
	}

	switch value {
	case 0:
		return s.Context.Device.KeyUp(code)
	case 1:
		return s.Context.Device.KeyDown(code)
	default:
		return nil
	}
}

// Reload resolves the context's symbols again and reapplies the layout if
// the invented keycodes changed. It is meant to be called after the
// registry was repopulated and does not block.
func (s *Session) Reload() {
	select {
	case s.reloads() <- struct{}{}:
	default:
	}
}

func (s *Session) reloads() chan struct{} {
	s.reloadOnce.Do(func() { s.reload = make(chan struct{}, 1) })
	return s.reload
}

// Run handles events until the channel is closed or ctx is done. While it
// does, it runs the producer and applies the layout for invented keycodes.
// Failing to apply the layout is logged but does not stop the session.
func (s *Session) Run(ctx context.Context, events <-chan evdev.InputEvent) error {
	logger := s.logger()

	eg, ctx := errgroup.WithContext(ctx)

	s.startApply(ctx, eg, s.Settle)

	eg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return context.Cause(ctx)

			case <-s.reloads():
				if s.Registry == nil {
					continue
				}
				logger.Info("reloading keycodes")
				s.Context.Prepare(s.Registry, logger)
				s.startApply(ctx, eg, 0)

			case ev, ok := <-events:
				if !ok {
					return errInputClosed
				}
				err := s.Handle(ev)
				switch {
				case errors.Is(err, vdev.ErrUnsupported):
					logger.Debug("dropped event", "type", ev.Type, "code", ev.Code, "value", ev.Value)
				case err != nil:
					logger.Warn("write event", "type", ev.Type, "code", ev.Code, "value", ev.Value, "err", err)
				}
			}
		}
	})

	if s.Producer != nil {
		eg.Go(func() error { return s.Producer.Run(ctx) })
	}

	err := eg.Wait()
	if errors.Is(err, errInputClosed) {
		return nil
	}
	return err
}

// startApply applies the layout for the context's current invented
// keycodes in the background, unless it is already applied. It must not be
// called concurrently with Prepare.
func (s *Session) startApply(ctx context.Context, eg *errgroup.Group, settle time.Duration) {
	if (s.Builder == nil) || (s.Registry == nil) {
		return
	}
	logger := s.logger()

	entries := s.Context.LayoutEntries(s.Registry)
	s.Metrics.SetAllocated(len(s.Registry.UnknownMappings()))
	if len(entries) == 0 {
		logger.Debug("no invented keycodes, leaving layout alone")
		return
	}
	if slices.Equal(entries, s.applied) {
		logger.Debug("invented keycodes unchanged, leaving layout alone")
		return
	}
	s.applied = entries

	eg.Go(func() error {
		err := s.applyLayout(ctx, entries, settle)
		if (err != nil) && (ctx.Err() == nil) {
			logger.Error("failed to apply layout, invented keycodes will not work", "err", err)
		}
		return nil
	})
}

func (s *Session) applyLayout(ctx context.Context, entries []xkb.Entry, settle time.Duration) error {
	s.applyM.Lock()
	defer s.applyM.Unlock()

	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-time.After(settle):
	}

	err := s.buildAndApply(ctx, entries)
	s.Metrics.Applied(err)
	return err
}

func (s *Session) buildAndApply(ctx context.Context, entries []xkb.Entry) error {
	art, err := s.Builder.Build(entries)
	if err != nil {
		return fmt.Errorf("build layout: %w", err)
	}
	defer func() {
		err := s.Builder.Remove(art)
		if err != nil {
			s.logger().Warn("failed to remove layout files", "path", art.Root, "err", err)
		}
	}()

	task, err := s.Applier.Apply(ctx, s.Context.Device.Name(), art)
	if err != nil {
		return fmt.Errorf("apply layout: %w", err)
	}
	err = task.Wait()
	if err != nil {
		return fmt.Errorf("setxkbmap: %w", err)
	}
	return nil
}
