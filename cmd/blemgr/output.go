package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/srg/blemgr/internal/groutine"
	"github.com/srg/blemgr/internal/manager"
	"github.com/srg/blemgr/internal/ringchan"
	"github.com/srg/blemgr/internal/state"
	"github.com/srg/blemgr/internal/throttle"
)

// printer renders manager events on a terminal. Discoveries arrive at
// advertising rate, so they go through a drop-oldest buffer and a render
// goroutine; everything else is printed inline.
type printer struct {
	mu         sync.Mutex
	w          io.Writer
	showStates bool
	newOnly    bool

	discoveries *ringchan.RingChannel[manager.DiscoveryEvent]
	done        chan struct{}
	started     bool

	addr  *color.Color
	name  *color.Color
	enter *color.Color
	exit  *color.Color
	warn  *color.Color
	dim   *color.Color
}

func newPrinter(w io.Writer, showStates bool) *printer {
	return &printer{
		w:           w,
		showStates:  showStates,
		discoveries: ringchan.New[manager.DiscoveryEvent](128),
		done:        make(chan struct{}),
		addr:        color.New(color.FgCyan),
		name:        color.New(color.Bold),
		enter:       color.New(color.FgGreen),
		exit:        color.New(color.FgRed),
		warn:        color.New(color.FgYellow, color.Bold),
		dim:         color.New(color.Faint),
	}
}

// Listeners returns the observers to install on the manager.
func (p *printer) Listeners() manager.Listeners {
	l := manager.Listeners{UhOh: p.uhOh}
	if p.showStates {
		l.ManagerState = p.managerState
		l.DeviceState = p.deviceState
		l.Discovery = func(e manager.DiscoveryEvent) { p.discoveries.Send(e) }
	}
	return l
}

func (p *printer) start(ctx context.Context) {
	p.started = true
	groutine.Go(ctx, "discovery-printer", func(context.Context) {
		defer close(p.done)
		for e := range p.discoveries.C() {
			if p.newOnly && !e.New {
				continue
			}
			p.println(p.formatDiscovery(e))
		}
	})
}

// stop flushes pending discoveries.
func (p *printer) stop() {
	p.discoveries.Close()
	if p.started {
		<-p.done
	}
	if n := p.discoveries.Metrics().Overwritten; n > 0 {
		p.println(p.dim.Sprintf("(%d advertisements not shown, output fell behind)", n))
	}
}

func (p *printer) println(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, line)
}

func (p *printer) formatDiscovery(e manager.DiscoveryEvent) string {
	adv := e.Advertisement
	var b strings.Builder
	marker := " "
	if e.New {
		marker = p.enter.Sprint("+")
	}
	fmt.Fprintf(&b, "%s %s %4d dBm", marker, p.addr.Sprint(e.Device.MAC()), adv.RSSI)
	if adv.Name != "" {
		fmt.Fprintf(&b, "  %s", p.name.Sprint(adv.Name))
	}
	if len(adv.Services) > 0 {
		fmt.Fprintf(&b, "  [%s]", strings.Join(adv.Services, ","))
	}
	if len(adv.ManufacturerData) > 0 {
		fmt.Fprintf(&b, "  mfr=%s", hex.EncodeToString(adv.ManufacturerData))
	}
	return b.String()
}

func (p *printer) managerState(e state.Event[state.ManagerState]) {
	p.println(p.formatTransition("adapter", e.Old, e.New, e.Intent, state.FormatManager))
}

func (p *printer) deviceState(e state.Event[state.DeviceState]) {
	p.println(p.formatTransition(p.addr.Sprint(e.Entity), e.Old, e.New, e.Intent, state.FormatDevice))
}

func (p *printer) formatTransition(who string, old, next state.Mask, intent state.Intent, format func(state.Mask) string) string {
	entered, exited := state.Diff(old, next)
	var parts []string
	if entered != 0 {
		parts = append(parts, p.enter.Sprint("+"+format(entered)))
	}
	if exited != 0 {
		parts = append(parts, p.exit.Sprint("-"+format(exited)))
	}
	line := fmt.Sprintf("%s %s", who, strings.Join(parts, " "))
	if intent == state.IntentIntentional {
		return line
	}
	return line + p.dim.Sprintf(" (%s)", strings.ToLower(intent.String()))
}

func (p *printer) uhOh(e throttle.Event) {
	p.println(p.warn.Sprintf("uh oh: %s", e.UhOh) + p.dim.Sprintf(" remedy %s", e.Remedy))
}

// formatData renders a value as hex or as raw text.
func formatData(data []byte, asHex bool) string {
	if asHex {
		return hex.EncodeToString(data)
	}
	return string(data)
}
