package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"deedles.dev/keymapper/internal/config"
	"deedles.dev/keymapper/internal/evdev"
	"deedles.dev/keymapper/internal/glossy"
	"deedles.dev/keymapper/internal/inject"
	"deedles.dev/keymapper/internal/metrics"
	"deedles.dev/keymapper/internal/producer"
	"deedles.dev/keymapper/internal/syskeys"
	"deedles.dev/keymapper/internal/vdev"
	"deedles.dev/keymapper/internal/xkb"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/coreos/go-systemd/v22/journal"
	"github.com/erikdubbelboer/gspt"
	"golang.org/x/sync/errgroup"
)

func initConfig(path string) error {
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return err
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = file.WriteString(config.DefaultFile())
	if err != nil {
		return err
	}
	return file.Close()
}

func newRegistry(c config.Config, logger *slog.Logger) (*syskeys.Registry, error) {
	cache := c.Cache
	if cache == "" {
		var err error
		cache, err = syskeys.DefaultCachePath()
		if err != nil {
			return nil, fmt.Errorf("cache path: %w", err)
		}
	}

	return &syskeys.Registry{
		CachePath:  cache,
		WriteCache: true,
		Logger:     logger.With("component", "syskeys"),
	}, nil
}

func newBuilder(ctx context.Context, c config.Config, logger *slog.Logger) *xkb.Builder {
	if !c.XKB {
		return nil
	}

	include, err := xkb.QueryLayout(ctx, xkb.ExecRunner{})
	if err != nil {
		logger.Info("could not determine current layout", slogErr(err))
	}

	keycodes := xkb.KeycodesPath(xkb.DefaultSystemDir, xkb.BaseKeycodes)
	names, err := xkb.LoadKeyNames(keycodes)
	if err != nil {
		logger.Warn("could not read key names", "path", keycodes, slogErr(err))
	}

	b := xkb.Builder{
		Mode:     c.XKBMode,
		Dir:      c.XKBDir,
		Name:     xkb.SystemName(c.Name),
		Include:  include,
		KeyNames: names,
		Logger:   logger.With("component", "xkb"),
	}
	if b.Mode == xkb.ModeTemp {
		err := b.Prepare()
		if err != nil {
			logger.Error("layout directory unusable, invented keycodes will not work", slogErr(err))
			return nil
		}
	}
	return &b
}

func macros(c config.Config) map[uint16]inject.Macro {
	m := make(map[uint16]inject.Macro, len(c.Macros))
	for code, syms := range c.Macros {
		m[code] = inject.Sequence(syms)
	}
	return m
}

func run(ctx context.Context) error {
	defaultConfigPath, err := config.DefaultPath()
	if err != nil {
		defaultConfigPath = "keymapper.conf"
	}

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %v [options]\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "Options:")
		flag.PrintDefaults()
	}
	configPath := flag.String("config", defaultConfigPath, "path to configuration file")
	writeConfig := flag.Bool("init", false, "write the default configuration to the config path and exit")
	debug := flag.Bool("debug", false, "log debug messages")
	watch := flag.Bool("watch", false, "reload the host layout whenever its cache changes")
	flag.Parse()

	useJournal, _ := journal.StderrIsJournalStream()
	handler := glossy.Handler{UseJournal: useJournal, Level: slog.LevelInfo}
	if *debug {
		handler.Level = slog.LevelDebug
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	ctx = WithLogger(ctx, logger)

	if *writeConfig {
		err := initConfig(*configPath)
		if err != nil {
			return fmt.Errorf("write default config: %w", err)
		}
		logger.Info("wrote default config", "path", *configPath)
		return nil
	}

	c, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if len(c.Devices) == 0 {
		return errors.New("no devices found, check the device directives in the config")
	}

	gspt.SetProcTitle("keymapper: " + c.Name)

	var m *metrics.Metrics
	if c.Metrics != "" {
		m = metrics.New()
	}

	reg, err := newRegistry(c, logger)
	if err != nil {
		return err
	}
	err = reg.Populate(ctx)
	if err != nil {
		return fmt.Errorf("populate keycodes: %w", err)
	}

	dev, err := vdev.Create(c.UInput, c.Name)
	if err != nil {
		return err
	}
	defer dev.Close()
	dev.Metrics = m

	ictx := inject.Context{
		Mapping: c.Mapping,
		Macros:  macros(c),
		Device:  dev,
	}
	ictx.Prepare(reg, logger)

	p := producer.New(dev, c.Producer)
	p.Logger = logger.With("component", "producer")
	p.Metrics = m

	session := inject.Session{
		Context:  &ictx,
		Registry: reg,
		Producer: p,
		Builder:  newBuilder(ctx, c, logger),
		Applier:  xkb.Applier{Logger: logger.With("component", "xkb")},
		Settle:   c.Settle,
		Logger:   logger,
		Metrics:  m,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)

	events := make(chan evdev.InputEvent)
	eg.Go(func() error {
		defer close(events)

		lg, ctx := errgroup.WithContext(ctx)
		for _, device := range c.Devices {
			lis := Listener{
				Device:   device,
				C:        events,
				Retry:    c.Retry,
				Producer: p,
			}
			lg.Go(func() error { return lis.Run(ctx) })
		}
		return lg.Wait()
	})

	eg.Go(func() error {
		defer cancel()
		return session.Run(ctx, events)
	})

	if *watch {
		reg.Changed = session.Reload
		eg.Go(func() error { return reg.Watch(ctx) })
	}

	if m != nil {
		eg.Go(func() error { return m.Serve(ctx, c.Metrics, logger.With("component", "metrics")) })
	}

	_, err = daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify service manager", slogErr(err))
	}
	logger.Info("injecting", "device", dev.Name(), "inputs", len(c.Devices))

	err = eg.Wait()
	if (err != nil) && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err := run(ctx)
	if err != nil {
		Logger(ctx).Error("fatal", slogErr(err))
		os.Exit(1)
	}
}
