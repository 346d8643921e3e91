package bootloader

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"

	"github.com/samsamfire/avrboot/pkg/can"
)

type filterEntry struct {
	predicate func(can.Frame) bool
	handler   can.FrameHandler
}

// fakeBus is a synchronous, in-process stand-in for can.Interface: Send
// calls an optional hook that can synthesize a reply before returning, so
// tests can drive the Session's state machine without a real bus or
// goroutines to race against.
type fakeBus struct {
	mu       sync.Mutex
	sent     []Message
	filters  []filterEntry
	sendHook func(req Message, deliver func(can.Frame))
}

func (b *fakeBus) Connect(...any) error { return nil }

func (b *fakeBus) AddFilter(predicate func(can.Frame) bool, handler can.FrameHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filters = append(b.filters, filterEntry{predicate, handler})
}

func (b *fakeBus) Send(frame can.Frame) error {
	req, err := decodeHostFrame(frame)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.sent = append(b.sent, req)
	hook := b.sendHook
	b.mu.Unlock()
	if hook != nil {
		hook(req, b.deliver)
	}
	return nil
}

func (b *fakeBus) deliver(frame can.Frame) {
	b.mu.Lock()
	filters := append([]filterEntry(nil), b.filters...)
	b.mu.Unlock()
	for _, f := range filters {
		if f.predicate(frame) {
			f.handler.Handle(frame)
		}
	}
}

// decodeHostFrame decodes a frame the Session sent to the (simulated)
// target, which travels on HostToTargetID rather than TargetToHostID.
func decodeHostFrame(frame can.Frame) (Message, error) {
	frame.ID = TargetToHostID
	return Decode(frame)
}

// encodeReply builds the target-to-host frame for a given request.
func encodeReply(req Message, msgType MessageType, number uint8, data []byte) can.Frame {
	f := Encode(Message{
		BoardID:     req.BoardID,
		Type:        msgType,
		Subject:     req.Subject,
		Number:      number,
		DataCounter: DefaultDataCounter,
		Data:        data,
	})
	f.ID = TargetToHostID
	return f
}

func TestSessionSequenceMonotonicity(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := &fakeBus{}
	bus.sendHook = func(req Message, deliver func(can.Frame)) {
		deliver(encodeReply(req, Success, req.Number, []byte{0x01}))
	}

	s := NewSession(bus, 0x10, nil)
	for i := 0; i < 5; i++ {
		msg, err := s.Send(context.Background(), Identify, nil, DefaultDataCounter, true, 50*time.Millisecond, 3)
		assert.NoError(t, err)
		assert.NotNil(t, msg)
		assert.Equal(t, uint8(i+1), s.msgNumber)
	}
}

func TestSessionWrongNumberResyncsOnlyAtStart(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := &fakeBus{}
	first := true
	bus.sendHook = func(req Message, deliver func(can.Frame)) {
		if first {
			first = false
			// Target claims it is actually expecting number 7.
			deliver(encodeReply(req, WrongNumber, 7, nil))
			return
		}
		deliver(encodeReply(req, Success, req.Number, []byte{0x42}))
	}

	s := NewSession(bus, 0x10, nil)
	msg, err := s.Send(context.Background(), Identify, nil, DefaultDataCounter, true, 50*time.Millisecond, 5)
	assert.NoError(t, err)
	assert.NotNil(t, msg)
	// Resync only happens because the host's own number was 0; the host
	// adopts the target's number and then advances it by one on success.
	assert.Equal(t, uint8(8), s.msgNumber)
}

func TestSessionWrongNumberMidSequenceExhaustsAttempts(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := &fakeBus{}
	bus.sendHook = func(req Message, deliver func(can.Frame)) {
		deliver(encodeReply(req, WrongNumber, 99, nil))
	}

	s := NewSession(bus, 0x10, nil)
	s.msgNumber = 3 // mid-sequence: not 0, so WRONG_NUMBER must not resync.

	_, err := s.Send(context.Background(), Identify, nil, DefaultDataCounter, true, 10*time.Millisecond, 3)
	assert.Error(t, err)
	assert.Equal(t, uint8(3), s.msgNumber, "number must be left untouched when resync is suppressed")
}

func TestSessionProtocolErrorIsNotRetried(t *testing.T) {
	defer goleak.VerifyNone(t)

	attempts := 0
	bus := &fakeBus{}
	bus.sendHook = func(req Message, deliver func(can.Frame)) {
		attempts++
		deliver(encodeReply(req, ErrorType, req.Number, nil))
	}

	s := NewSession(bus, 0x10, nil)
	_, err := s.Send(context.Background(), Identify, nil, DefaultDataCounter, true, 50*time.Millisecond, 5)
	assert.Error(t, err)
	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)
	assert.Equal(t, 1, attempts, "ERROR must not trigger a retransmit")
}

func TestSessionNoResponseExhaustsAttempts(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := &fakeBus{} // no sendHook: target never answers
	s := NewSession(bus, 0x10, nil)
	_, err := s.Send(context.Background(), Identify, nil, DefaultDataCounter, true, 5*time.Millisecond, 3)
	assert.ErrorIs(t, err, ErrNoResponse)
	assert.Len(t, bus.sent, 3)
}

func TestSessionDiscardsStaleResponses(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := &fakeBus{}
	bus.sendHook = func(req Message, deliver func(can.Frame)) {
		// Simulate a leftover reply to a previous, unrelated exchange
		// arriving just ahead of the real response.
		stale := req
		stale.Subject = Identify
		deliver(encodeReply(stale, Success, req.Number, []byte{0xff}))
		deliver(encodeReply(req, Success, req.Number, []byte{0x01}))
	}

	s := NewSession(bus, 0x10, nil)
	msg, err := s.Send(context.Background(), Data, []byte{1, 2, 3, 4}, DefaultDataCounter, true, 50*time.Millisecond, 3)
	assert.NoError(t, err)
	assert.Equal(t, Data, msg.Subject)
	assert.Equal(t, []byte{0x01}, msg.Data)
}

func TestSessionFireAndForgetDoesNotWaitForReply(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := &fakeBus{} // never replies
	s := NewSession(bus, 0x10, nil)
	msg, err := s.Send(context.Background(), Data, []byte{1, 2, 3, 4}, StartOfMessageMask|3, false, 0, 0)
	assert.NoError(t, err)
	assert.Nil(t, msg)
	assert.Equal(t, uint8(1), s.msgNumber)
}

func TestSessionCancelledContextStopsRetrying(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := &fakeBus{} // never replies
	s := NewSession(bus, 0x10, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Send(ctx, Identify, nil, DefaultDataCounter, true, 50*time.Millisecond, 5)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Len(t, bus.sent, 0, "a context cancelled before Send must not transmit at all")
}

func TestSessionCancelledContextInterruptsWait(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := &fakeBus{} // never replies
	s := NewSession(bus, 0x10, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	start := time.Now()
	_, err := s.Send(ctx, Identify, nil, DefaultDataCounter, true, time.Second, 5)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "cancellation must interrupt the wait, not the full timeout")
}
