// Package socketcan wraps github.com/brutella/can to provide a real Linux
// SocketCAN backed can.Interface.
package socketcan

import (
	"sync"

	sockcan "github.com/brutella/can"

	"github.com/samsamfire/avrboot/pkg/can"
)

func init() {
	can.RegisterInterface("socketcan", NewBus)
}

type filter struct {
	predicate func(can.Frame) bool
	handler   can.FrameHandler
}

// Bus adapts a brutella/can socketcan bus to the can.Interface contract.
type Bus struct {
	bus *sockcan.Bus

	mu      sync.Mutex
	filters []filter
}

// NewBus opens the named SocketCAN interface (e.g. "can0", "vcan0").
func NewBus(name string) (can.Interface, error) {
	bus, err := sockcan.NewBusForInterfaceWithName(name)
	if err != nil {
		return nil, err
	}
	b := &Bus{bus: bus}
	bus.Subscribe(b)
	return b, nil
}

// Connect implements can.Interface: it starts brutella/can's own delivery
// goroutine, which becomes this bus's "delivery thread" per spec §5.
func (b *Bus) Connect(...any) error {
	go b.bus.ConnectAndPublish()
	return nil
}

// Send implements can.Interface.
func (b *Bus) Send(frame can.Frame) error {
	id := frame.ID
	if frame.Extended {
		id |= can.EFFFlag
	}
	if frame.RTR {
		id |= can.RTRFlag
	}
	return b.bus.Publish(sockcan.Frame{
		ID:     id,
		Length: frame.DLC,
		Data:   frame.Data,
	})
}

// AddFilter implements can.Interface.
func (b *Bus) AddFilter(predicate func(can.Frame) bool, handler can.FrameHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filters = append(b.filters, filter{predicate: predicate, handler: handler})
}

// Handle implements brutella/can's receive callback, invoked on its delivery
// goroutine for every frame seen on the bus.
func (b *Bus) Handle(raw sockcan.Frame) {
	frame := can.Frame{
		ID:       raw.ID &^ (can.EFFFlag | can.RTRFlag),
		DLC:      raw.Length,
		Data:     raw.Data,
		Extended: raw.ID&can.EFFFlag != 0,
		RTR:      raw.ID&can.RTRFlag != 0,
	}
	b.mu.Lock()
	filters := append([]filter(nil), b.filters...)
	b.mu.Unlock()
	for _, f := range filters {
		if f.predicate(frame) {
			f.handler.Handle(frame)
		}
	}
}
