package eventsink

import (
	"time"

	"github.com/srg/blemgr/internal/manager"
	"github.com/srg/blemgr/internal/state"
	"github.com/srg/blemgr/internal/throttle"
)

type stateMessage struct {
	Entity  string    `json:"entity"`
	States  string    `json:"states"`
	Entered string    `json:"entered"`
	Exited  string    `json:"exited"`
	Intent  string    `json:"intent"`
	Status  int       `json:"status"`
	Time    time.Time `json:"time"`
}

func newStateMessage[S state.Enum](e state.Event[S], format func(state.Mask) string, now time.Time) stateMessage {
	entered, exited := state.Diff(e.Old, e.New)
	return stateMessage{
		Entity:  e.Entity,
		States:  format(e.New),
		Entered: format(entered),
		Exited:  format(exited),
		Intent:  e.Intent.String(),
		Status:  e.Status,
		Time:    now,
	}
}

type rwMessage struct {
	Type           string    `json:"type"`
	Service        string    `json:"service,omitempty"`
	Characteristic string    `json:"characteristic,omitempty"`
	Descriptor     string    `json:"descriptor,omitempty"`
	Data           []byte    `json:"data,omitempty"`
	RSSI           int       `json:"rssi,omitempty"`
	MTU            int       `json:"mtu,omitempty"`
	Result         string    `json:"result"`
	Status         int       `json:"status"`
	Error          string    `json:"error,omitempty"`
	Time           time.Time `json:"time"`
}

func newRWMessage(e manager.ReadWriteEvent, now time.Time) rwMessage {
	msg := rwMessage{
		Type:           e.Type.String(),
		Service:        e.Service,
		Characteristic: e.Characteristic,
		Descriptor:     e.Descriptor,
		Data:           e.Data,
		RSSI:           e.RSSI,
		MTU:            e.MTU,
		Result:         e.Result.String(),
		Status:         e.Status,
		Time:           now,
	}
	if e.Err != nil {
		msg.Error = e.Err.Error()
	}
	return msg
}

type uhohMessage struct {
	UhOh   string    `json:"uhoh"`
	Remedy string    `json:"remedy"`
	Time   time.Time `json:"time"`
}

func newUhOhMessage(e throttle.Event, now time.Time) uhohMessage {
	return uhohMessage{UhOh: e.UhOh.String(), Remedy: e.Remedy.String(), Time: now}
}
