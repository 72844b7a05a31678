package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/blemgr/internal/database"
	"github.com/srg/blemgr/internal/diskcache"
	"github.com/srg/blemgr/internal/eventsink"
	"github.com/srg/blemgr/internal/groutine"
	"github.com/srg/blemgr/internal/manager"
	"github.com/srg/blemgr/internal/radio"
	"github.com/srg/blemgr/internal/radio/bluez"
	"github.com/srg/blemgr/internal/radio/goble"
	"github.com/srg/blemgr/internal/ringchan"
	"github.com/srg/blemgr/internal/state"
	"github.com/srg/blemgr/internal/task"
	"github.com/srg/blemgr/pkg/config"
)

const disconnectGrace = 3 * time.Second

// loadConfig reads --config and applies the command-line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.Persistence.Database.Path = db
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if off, _ := cmd.Flags().GetBool("no-color"); off {
		color.NoColor = true
	}
	return cfg, nil
}

// session is one command run: a manager over the platform radio plus the
// optional persistence and MQTT mirrors.
type session struct {
	cfg     *config.Config
	logger  *logrus.Logger
	mgr     *manager.Manager
	printer *printer

	radio *goble.Radio
	bus   *bluez.Client
	db    *database.DB
	sink  *eventsink.Sink

	// devices carries device transitions to commands waiting on them.
	devices *ringchan.RingChannel[state.Event[state.DeviceState]]

	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	runErr  chan error
}

func openSession(cmd *cobra.Command, showStates bool) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	cmd.SilenceUsage = true

	s := &session{
		cfg:     cfg,
		logger:  cfg.NewLogger(),
		printer: newPrinter(os.Stdout, showStates),
		devices: ringchan.New[state.Event[state.DeviceState]](64),
		runErr:  make(chan error, 1),
	}
	s.ctx, s.cancel = signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)

	if err := s.open(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *session) open() error {
	var opts []goble.Option
	if runtime.GOOS == "linux" {
		bus, err := bluez.Open(bluez.DefaultAdapter)
		if err != nil {
			s.logger.WithError(err).Warn("BlueZ unavailable, power control and bonding disabled")
		} else {
			s.bus = bus
			opts = append(opts, goble.WithPowerControl(bus), goble.WithBonder(bus))
		}
	}
	r, err := goble.New(s.logger, opts...)
	if err != nil {
		return err
	}
	s.radio = r

	var store diskcache.Store = diskcache.NewMemoryStore()
	if dbc := s.cfg.Persistence.Database; dbc.Path != "" {
		db, err := database.Open(s.ctx, database.Config{Path: dbc.Path, WALMode: dbc.WALMode, BusyTimeout: dbc.BusyTimeout})
		if err != nil {
			return err
		}
		s.db = db
		store = diskcache.NewSQLStore(db)
	}

	m, err := manager.New(s.cfg, r, store, s.logger)
	if err != nil {
		return err
	}
	s.mgr = m

	listeners := s.printer.Listeners()
	listeners.DeviceState = chainDevice(listeners.DeviceState, func(e state.Event[state.DeviceState]) { s.devices.Send(e) })
	if s.cfg.MQTT.Enabled {
		sink, err := eventsink.Connect(s.ctx, s.cfg.MQTT, s.logger)
		if err != nil {
			return err
		}
		s.sink = sink
		listeners = sink.Listeners(listeners)
	}
	m.SetListeners(listeners)

	s.printer.start(s.ctx)
	s.running = true
	groutine.Go(s.ctx, "manager-run", func(ctx context.Context) {
		s.runErr <- m.Run(ctx, false)
	})
	return nil
}

func chainDevice(first, then func(state.Event[state.DeviceState])) func(state.Event[state.DeviceState]) {
	if first == nil {
		return then
	}
	return func(e state.Event[state.DeviceState]) {
		first(e)
		then(e)
	}
}

// await submits through submit and blocks until the result or ctx ends.
func await(ctx context.Context, submit func(done manager.Done) (*task.Task, error)) (task.Result, error) {
	ch := make(chan task.Result, 1)
	if _, err := submit(func(r task.Result) { ch <- r }); err != nil {
		return task.Result{}, err
	}
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return task.Result{}, ctx.Err()
	}
}

// awaitRW is await for read/write completions.
func awaitRW(ctx context.Context, submit func(done manager.RWDone) (*task.Task, error)) (manager.ReadWriteEvent, error) {
	ch := make(chan manager.ReadWriteEvent, 1)
	if _, err := submit(func(e manager.ReadWriteEvent) { ch <- e }); err != nil {
		return manager.ReadWriteEvent{}, err
	}
	select {
	case e := <-ch:
		return e, nil
	case <-ctx.Done():
		return manager.ReadWriteEvent{}, ctx.Err()
	}
}

// connect connects mac and waits until service discovery and initialization
// are done.
func (s *session) connect(mac string) error {
	r, err := await(s.ctx, func(done manager.Done) (*task.Task, error) {
		return s.mgr.Connect(mac, done)
	})
	if err != nil {
		return err
	}
	if err := resultError("connect", r); err != nil {
		return err
	}
	if d, ok := s.mgr.Device(mac); ok && d.Is(state.DeviceInitialized) {
		return nil
	}
	return s.waitDevice(mac, func(e state.Event[state.DeviceState]) (bool, error) {
		switch {
		case e.Is(state.DeviceInitialized):
			return true, nil
		case e.DidEnter(state.DeviceDisconnected):
			return true, ErrConnectionLost
		}
		return false, nil
	})
}

func (s *session) waitDevice(mac string, match func(state.Event[state.DeviceState]) (bool, error)) error {
	d, ok := s.mgr.Device(mac)
	if !ok {
		return fmt.Errorf("%w: %s", radio.ErrUnknownTarget, mac)
	}
	for {
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		case e, ok := <-s.devices.C():
			if !ok {
				return ErrConnectionLost
			}
			if e.Entity != d.MAC() {
				continue
			}
			if stop, err := match(e); stop {
				return err
			}
		}
	}
}

// disconnect is best effort; the command result does not depend on it.
func (s *session) disconnect(mac string) {
	ctx, cancel := context.WithTimeout(context.Background(), disconnectGrace)
	defer cancel()
	r, err := await(ctx, func(done manager.Done) (*task.Task, error) {
		return s.mgr.Disconnect(mac, done)
	})
	if err == nil {
		err = resultError("disconnect", r)
	}
	if err != nil {
		s.logger.WithError(err).WithField("address", mac).Debug("Disconnect did not complete")
	}
}

// Close stops the manager and releases every resource opened by the session.
func (s *session) Close() error {
	var errs []error
	if s.mgr != nil {
		// Closes the radio too.
		errs = append(errs, s.mgr.Close())
	}
	if s.running {
		select {
		case <-s.runErr:
		case <-time.After(disconnectGrace):
		}
	}
	s.cancel()
	s.printer.stop()
	s.devices.Close()
	if s.sink != nil {
		errs = append(errs, s.sink.Close())
	}
	if s.mgr == nil && s.radio != nil {
		errs = append(errs, s.radio.Close())
	}
	if s.bus != nil {
		errs = append(errs, s.bus.Close())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}
