// Package virtual implements a TCP-backed CAN bus, primarily used for
// testing against a virtualcan broker (https://github.com/windelbouwman/virtualcan)
// without real hardware.
package virtual

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/samsamfire/avrboot/pkg/can"
)

func init() {
	can.RegisterInterface("virtual", NewBus)
	can.RegisterInterface("virtualcan", NewBus)
}

type filter struct {
	predicate func(can.Frame) bool
	handler   can.FrameHandler
}

// Bus is a virtualcan client: it serializes frames over a TCP connection to
// a broker process that fans them out to every connected client, which is
// how two independent processes (a simulated AVR target and this host
// programmer) can exchange frames in integration tests without real
// hardware.
type Bus struct {
	mu         sync.Mutex
	channel    string
	conn       net.Conn
	receiveOwn bool
	filters    []filter
	stopChan   chan struct{}
	wg         sync.WaitGroup
	running    bool
}

// NewBus constructs a virtual CAN bus that dials channel (e.g. "localhost:18000") on Connect.
func NewBus(channel string) (can.Interface, error) {
	return &Bus{channel: channel, stopChan: make(chan struct{})}, nil
}

func serializeFrame(frame can.Frame) ([]byte, error) {
	buffer := new(bytes.Buffer)
	if err := binary.Write(buffer, binary.BigEndian, frame); err != nil {
		return nil, err
	}
	body := buffer.Bytes()
	out := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	return append(out, body...), nil
}

func deserializeFrame(buffer []byte) (*can.Frame, error) {
	var frame can.Frame
	if err := binary.Read(bytes.NewBuffer(buffer), binary.BigEndian, &frame); err != nil {
		return nil, err
	}
	return &frame, nil
}

// Connect dials the broker and starts the reception goroutine.
func (b *Bus) Connect(...any) error {
	conn, err := net.Dial("tcp", b.channel)
	if err != nil {
		return err
	}
	b.conn = conn
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			return err
		}
	}
	b.mu.Lock()
	b.running = true
	b.mu.Unlock()
	b.wg.Add(1)
	go b.receiveLoop()
	return nil
}

// Disconnect stops the reception goroutine and closes the connection.
func (b *Bus) Disconnect() error {
	b.mu.Lock()
	running := b.running
	b.running = false
	b.mu.Unlock()
	if running {
		close(b.stopChan)
		b.wg.Wait()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

// Send implements can.Interface.
func (b *Bus) Send(frame can.Frame) error {
	if b.conn == nil {
		return errors.New("virtual: not connected")
	}
	frameBytes, err := serializeFrame(frame)
	if err != nil {
		return err
	}
	_ = b.conn.SetWriteDeadline(time.Now().Add(10 * time.Millisecond))
	_, err = b.conn.Write(frameBytes)
	if err == nil && b.receiveOwn {
		b.dispatch(frame)
	}
	return err
}

// AddFilter implements can.Interface: the handler fires on the reception
// goroutine for every received frame matching predicate.
func (b *Bus) AddFilter(predicate func(can.Frame) bool, handler can.FrameHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filters = append(b.filters, filter{predicate: predicate, handler: handler})
}

func (b *Bus) dispatch(frame can.Frame) {
	b.mu.Lock()
	filters := append([]filter(nil), b.filters...)
	b.mu.Unlock()
	for _, f := range filters {
		if f.predicate(frame) {
			f.handler.Handle(frame)
		}
	}
}

func (b *Bus) recv() (*can.Frame, error) {
	if b.conn == nil {
		return nil, fmt.Errorf("virtual: not connected")
	}
	_ = b.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	header := make([]byte, 4)
	n, err := b.conn.Read(header)
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return nil, err
	}
	if n < 4 || err != nil {
		return nil, fmt.Errorf("virtual: short header read %d: %w", n, err)
	}
	length := binary.BigEndian.Uint32(header)
	body := make([]byte, length)
	_ = b.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	n, err = b.conn.Read(body)
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return nil, err
	}
	if n != int(length) || err != nil {
		return nil, fmt.Errorf("virtual: short body read %d/%d", n, length)
	}
	return deserializeFrame(body)
}

func (b *Bus) receiveLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopChan:
			return
		default:
		}
		frame, err := b.recv()
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			continue
		} else if err != nil {
			log.WithError(err).Warn("virtual: reception loop closed")
			return
		}
		b.dispatch(*frame)
	}
}

// SetReceiveOwn enables local loopback of frames this bus itself sends, useful
// when simulating both ends of a link in a single process.
func (b *Bus) SetReceiveOwn(receiveOwn bool) {
	b.receiveOwn = receiveOwn
}
