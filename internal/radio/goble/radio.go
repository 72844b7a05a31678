// Package goble implements radio.Radio on top of go-ble.
//
// go-ble calls block; each one runs on a named goroutine and its outcome is
// reported through radio.Events. Power control and bonding are not part of
// go-ble and are delegated to optional collaborators (see WithPowerControl
// and WithBonder).
package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blemgr/internal/groutine"
	"github.com/srg/blemgr/internal/radio"
)

// PowerControl toggles the adapter.
type PowerControl interface {
	Powered() (bool, error)
	SetPowered(on bool) error
}

// Bonder pairs and unpairs peripherals. Pair blocks until the stack reports.
type Bonder interface {
	Pair(mac string) error
	RemoveBond(mac string) error
}

// Option configures a Radio.
type Option func(*Radio)

// WithPowerControl enables TurnOn and TurnOff.
func WithPowerControl(p PowerControl) Option {
	return func(r *Radio) { r.power = p }
}

// WithBonder enables CreateBond and RemoveBond.
func WithBonder(b Bonder) Option {
	return func(r *Radio) { r.bonder = b }
}

// WithDevice uses dev instead of DeviceFactory.
func WithDevice(dev ble.Device) Option {
	return func(r *Radio) { r.dev = dev }
}

type peer struct {
	mac    string
	cancel context.CancelFunc

	mu      sync.Mutex
	client  ble.Client
	profile *ble.Profile
	closed  bool
}

// attach records a dialled client and runs up while still holding the peer,
// so a concurrent close cannot report the link down before up is reported.
// It returns false once the peer is closed; the caller then owns client.
func (p *peer) attach(client ble.Client, up func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.client = client
	up()
	return true
}

// close marks p closed and returns the client to tear down, if any.
func (p *peer) close() ble.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return p.client
}

func (p *peer) link() (ble.Client, *ble.Profile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, nil
	}
	return p.client, p.profile
}

func (p *peer) setProfile(profile *ble.Profile) {
	p.mu.Lock()
	p.profile = profile
	p.mu.Unlock()
}

// Radio drives one go-ble device.
type Radio struct {
	logger *logrus.Logger
	dev    ble.Device
	power  PowerControl
	bonder Bonder

	ctx    context.Context
	cancel context.CancelFunc

	eventsMu sync.RWMutex
	events   radio.Events

	// peers holds both pending dials (client == nil) and live connections.
	peers *hashmap.Map[string, *peer]

	scanMu     sync.Mutex
	scanCancel context.CancelFunc
}

// New opens the platform device through DeviceFactory unless WithDevice is given.
func New(logger *logrus.Logger, opts ...Option) (*Radio, error) {
	r := newRadio(logger, opts...)
	if r.dev == nil {
		dev, err := DeviceFactory()
		if err != nil {
			r.cancel()
			return nil, fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
		}
		r.dev = dev
	}
	ble.SetDefaultDevice(r.dev)
	return r, nil
}

func newRadio(logger *logrus.Logger, opts ...Option) *Radio {
	if logger == nil {
		logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Radio{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		peers:  hashmap.New[string, *peer](),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Radio) Capabilities() radio.Capabilities {
	return radio.Capabilities{
		PowerControl: r.power != nil,
		Bonding:      r.bonder != nil,
		RSSI:         true,
		MTU:          true,
	}
}

func (r *Radio) SetEvents(e radio.Events) {
	r.eventsMu.Lock()
	r.events = e
	r.eventsMu.Unlock()
}

func (r *Radio) emit(fn func(radio.Events)) {
	r.eventsMu.RLock()
	e := r.events
	r.eventsMu.RUnlock()
	if e != nil {
		fn(e)
	}
}

func (r *Radio) async(name string, fn func(ctx context.Context)) {
	groutine.Go(r.ctx, "goble-"+name, fn)
}

// IsOn reports the adapter power. Without PowerControl a device that opened
// is assumed to be on.
func (r *Radio) IsOn() bool {
	if r.power == nil {
		return r.dev != nil
	}
	on, err := r.power.Powered()
	if err != nil {
		r.logger.WithField("error", err).Warn("Failed to query adapter power")
		return false
	}
	return on
}

func (r *Radio) TurnOn() error  { return r.setPowered(true) }
func (r *Radio) TurnOff() error { return r.setPowered(false) }

func (r *Radio) setPowered(on bool) error {
	if r.power == nil {
		return radio.ErrUnsupported
	}
	r.async("power", func(context.Context) {
		if err := r.power.SetPowered(on); err != nil {
			r.logger.WithFields(logrus.Fields{
				"powered": on,
				"error":   err,
			}).Error("Failed to change adapter power")
			on = !on
		}
		r.emit(func(e radio.Events) { e.OnAdapterStateChanged(on) })
	})
	return nil
}

func (r *Radio) StartScan() (radio.ScanMode, error) {
	if r.dev == nil {
		return radio.ScanModeLowLatency, radio.ErrBluetoothOff
	}
	r.scanMu.Lock()
	defer r.scanMu.Unlock()
	if r.scanCancel != nil {
		return radio.ScanModeLowLatency, nil
	}
	ctx, cancel := context.WithCancel(r.ctx)
	r.scanCancel = cancel

	r.async("scan", func(context.Context) {
		handler := func(adv ble.Advertisement) {
			a := toAdvertisement(adv)
			r.emit(func(e radio.Events) { e.OnScanResult(a) })
		}
		err := r.dev.Scan(ctx, true, handler)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger.WithField("error", err).Error("Scan failed")
			r.scanMu.Lock()
			r.scanCancel = nil
			r.scanMu.Unlock()
			r.emit(func(e radio.Events) { e.OnScanFailed(NormalizeError(err)) })
		}
	})
	return radio.ScanModeLowLatency, nil
}

func (r *Radio) StopScan() error {
	r.scanMu.Lock()
	defer r.scanMu.Unlock()
	if r.scanCancel != nil {
		r.scanCancel()
		r.scanCancel = nil
	}
	return nil
}

func (r *Radio) Connect(mac string) error {
	if r.dev == nil {
		return radio.ErrBluetoothOff
	}
	mac = radio.NormalizeMAC(mac)
	ctx, cancel := context.WithCancel(r.ctx)
	p := &peer{mac: mac, cancel: cancel}
	if _, loaded := r.peers.GetOrInsert(mac, p); loaded {
		cancel()
		return fmt.Errorf("%w: %s already has a connection attempt", radio.ErrRejected, mac)
	}

	r.async("connect", func(context.Context) {
		r.logger.WithField("address", mac).Debug("Dialing BLE device...")
		client, err := r.dev.Dial(ctx, ble.NewAddr(mac))
		if err != nil {
			if ctx.Err() != nil {
				// Disconnect already reported the link as down.
				return
			}
			r.forget(p)
			r.logger.WithFields(logrus.Fields{
				"address": mac,
				"error":   err,
			}).Warn("Failed to dial BLE device")
			r.emit(func(e radio.Events) { e.OnConnectionStateChange(mac, false, statusOf(err)) })
			return
		}
		up := func() {
			r.emit(func(e radio.Events) { e.OnConnectionStateChange(mac, true, radio.StatusSuccess) })
		}
		if ctx.Err() != nil || !r.isCurrent(p) || !p.attach(client, up) {
			// The dial outlived a Disconnect or Close, which already reported
			// the link as down.
			r.logger.WithField("address", mac).Debug("Dial completed after cancellation, dropping link")
			if err := client.CancelConnection(); err != nil {
				r.logger.WithFields(logrus.Fields{
					"address": mac,
					"error":   err,
				}).Debug("Cancel connection of late dial failed")
			}
			return
		}
		r.monitor(ctx, p, client)
	})
	return nil
}

// monitor reports a link loss the application did not ask for.
func (r *Radio) monitor(ctx context.Context, p *peer, client ble.Client) {
	select {
	case <-client.Disconnected():
		if !r.forget(p) {
			return
		}
		r.logger.WithField("address", p.mac).Warn("Stack reported disconnection")
		r.emit(func(e radio.Events) { e.OnConnectionStateChange(p.mac, false, radio.StatusFailure) })
	case <-ctx.Done():
	}
}

func (r *Radio) isCurrent(p *peer) bool {
	current, ok := r.peers.Get(p.mac)
	return ok && current == p
}

// forget drops p unless a newer attempt replaced it.
func (r *Radio) forget(p *peer) bool {
	if !r.isCurrent(p) {
		return false
	}
	r.peers.Del(p.mac)
	return true
}

func (r *Radio) Disconnect(mac string) error {
	mac = radio.NormalizeMAC(mac)
	p, ok := r.peers.Get(mac)
	if !ok {
		return radio.ErrNotConnected
	}
	r.peers.Del(mac)
	p.cancel()
	client := p.close()

	r.async("disconnect", func(context.Context) {
		if client != nil {
			if err := client.CancelConnection(); err != nil {
				r.logger.WithFields(logrus.Fields{
					"address": mac,
					"error":   err,
				}).Warn("BLE device disconnected with errors")
			}
		}
		r.emit(func(e radio.Events) { e.OnConnectionStateChange(mac, false, radio.StatusSuccess) })
	})
	return nil
}

// RefreshCache is not exposed by go-ble; DiscoverServices always forces a
// fresh profile instead.
func (r *Radio) RefreshCache(string) error {
	return radio.ErrUnsupported
}

type link struct {
	mac     string
	client  ble.Client
	profile *ble.Profile
	peer    *peer
}

func (r *Radio) connected(mac string) (link, error) {
	p, ok := r.peers.Get(radio.NormalizeMAC(mac))
	if !ok {
		return link{}, radio.ErrNotConnected
	}
	client, profile := p.link()
	if client == nil {
		return link{}, radio.ErrNotConnected
	}
	return link{mac: p.mac, client: client, profile: profile, peer: p}, nil
}

func (r *Radio) DiscoverServices(mac string) error {
	p, err := r.connected(mac)
	if err != nil {
		return err
	}
	r.async("discover", func(context.Context) {
		profile, err := p.client.DiscoverProfile(true)
		if err != nil {
			r.logger.WithFields(logrus.Fields{
				"address": p.mac,
				"error":   err,
			}).Warn("Failed to discover profile")
			r.emit(func(e radio.Events) { e.OnServicesDiscovered(p.mac, nil, statusOf(err)) })
			return
		}
		p.peer.setProfile(profile)
		services := toServices(profile)
		r.logger.WithFields(logrus.Fields{
			"address":  p.mac,
			"services": len(services),
		}).Debug("Profile discovered successfully")
		r.emit(func(e radio.Events) { e.OnServicesDiscovered(p.mac, services, radio.StatusSuccess) })
	})
	return nil
}

func (r *Radio) characteristic(mac, service, char string) (link, *ble.Characteristic, error) {
	p, err := r.connected(mac)
	if err != nil {
		return link{}, nil, err
	}
	c := findCharacteristic(p.profile, service, char)
	if c == nil {
		return link{}, nil, fmt.Errorf("%w: %s/%s", radio.ErrUnknownTarget, service, char)
	}
	return p, c, nil
}

func (r *Radio) ReadCharacteristic(mac, service, char string) error {
	p, c, err := r.characteristic(mac, service, char)
	if err != nil {
		return err
	}
	r.async("read", func(context.Context) {
		data, err := p.client.ReadCharacteristic(c)
		r.emit(func(e radio.Events) { e.OnCharacteristicRead(p.mac, service, char, data, statusOf(err)) })
	})
	return nil
}

func (r *Radio) WriteCharacteristic(mac, service, char string, data []byte, withoutResponse bool) error {
	p, c, err := r.characteristic(mac, service, char)
	if err != nil {
		return err
	}
	r.async("write", func(context.Context) {
		err := p.client.WriteCharacteristic(c, data, withoutResponse)
		r.emit(func(e radio.Events) { e.OnCharacteristicWrite(p.mac, service, char, statusOf(err)) })
	})
	return nil
}

func (r *Radio) WriteDescriptor(mac, service, char, descriptor string, data []byte) error {
	p, c, err := r.characteristic(mac, service, char)
	if err != nil {
		return err
	}
	d := findDescriptor(c, descriptor)
	if d == nil {
		return fmt.Errorf("%w: descriptor %s", radio.ErrUnknownTarget, descriptor)
	}
	r.async("write-descriptor", func(context.Context) {
		err := p.client.WriteDescriptor(d, data)
		r.emit(func(e radio.Events) { e.OnDescriptorWrite(p.mac, service, char, descriptor, statusOf(err)) })
	})
	return nil
}

func (r *Radio) SetNotify(mac, service, char string, enable bool) error {
	p, c, err := r.characteristic(mac, service, char)
	if err != nil {
		return err
	}
	indicate := c.Property&ble.CharNotify == 0 && c.Property&ble.CharIndicate != 0
	r.async("notify", func(context.Context) {
		var err error
		if enable {
			err = p.client.Subscribe(c, indicate, func(data []byte) {
				r.emit(func(e radio.Events) { e.OnCharacteristicChanged(p.mac, service, char, data) })
			})
		} else {
			err = p.client.Unsubscribe(c, indicate)
		}
		r.emit(func(e radio.Events) { e.OnNotifyStateChanged(p.mac, service, char, enable, statusOf(err)) })
	})
	return nil
}

func (r *Radio) ReadRSSI(mac string) error {
	p, err := r.connected(mac)
	if err != nil {
		return err
	}
	r.async("rssi", func(context.Context) {
		rssi := p.client.ReadRSSI()
		r.emit(func(e radio.Events) { e.OnRSSIRead(p.mac, rssi, radio.StatusSuccess) })
	})
	return nil
}

func (r *Radio) RequestMTU(mac string, mtu int) error {
	p, err := r.connected(mac)
	if err != nil {
		return err
	}
	r.async("mtu", func(context.Context) {
		got, err := p.client.ExchangeMTU(mtu)
		r.emit(func(e radio.Events) { e.OnMTUChanged(p.mac, got, statusOf(err)) })
	})
	return nil
}

func (r *Radio) CreateBond(mac string) error {
	if r.bonder == nil {
		return radio.ErrUnsupported
	}
	mac = radio.NormalizeMAC(mac)
	r.async("bond", func(context.Context) {
		err := r.bonder.Pair(mac)
		if err != nil {
			r.logger.WithFields(logrus.Fields{
				"address": mac,
				"error":   err,
			}).Warn("Pairing failed")
		}
		r.emit(func(e radio.Events) { e.OnBondStateChanged(mac, err == nil, statusOf(err)) })
	})
	return nil
}

func (r *Radio) RemoveBond(mac string) error {
	if r.bonder == nil {
		return radio.ErrUnsupported
	}
	mac = radio.NormalizeMAC(mac)
	r.async("unbond", func(context.Context) {
		err := r.bonder.RemoveBond(mac)
		r.emit(func(e radio.Events) { e.OnBondStateChanged(mac, err != nil, statusOf(err)) })
	})
	return nil
}

// Close cancels every pending call and drops all connections.
func (r *Radio) Close() error {
	_ = r.StopScan()
	r.peers.Range(func(mac string, p *peer) bool {
		p.cancel()
		if client := p.close(); client != nil {
			if err := client.CancelConnection(); err != nil {
				r.logger.WithFields(logrus.Fields{
					"address": mac,
					"error":   err,
				}).Debug("Cancel connection on close failed")
			}
		}
		return true
	})
	r.cancel()
	if r.dev != nil {
		return r.dev.Stop()
	}
	return nil
}
