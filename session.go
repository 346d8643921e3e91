package bootloader

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/samsamfire/avrboot/pkg/can"
)

// inboxSize bounds the Session's inbox channel. It only ever needs to hold a
// handful of stale responses between drains, so a small buffer is enough to
// keep the Dispatcher's non-blocking send from ever actually dropping a
// frame under normal operation.
const inboxSize = 16

// Session is the Request Engine (spec §4.3). It owns the message sequence
// number for one board and serializes all request/response exchanges with
// it: callers must not invoke Send from more than one goroutine at a time.
type Session struct {
	boardID   uint8
	iface     can.Interface
	inbox     chan Message
	msgNumber uint8
	logger    log.FieldLogger
}

// NewSession registers the Inbound Dispatcher on iface and returns a Session
// ready to talk to boardID.
func NewSession(iface can.Interface, boardID uint8, logger log.FieldLogger) *Session {
	if logger == nil {
		logger = log.StandardLogger()
	}
	s := &Session{
		boardID: boardID,
		iface:   iface,
		inbox:   make(chan Message, inboxSize),
		logger:  logger,
	}
	iface.AddFilter(acceptFrame, &dispatcher{boardID: boardID, inbox: s.inbox, logger: logger})
	return s
}

// drain empties the inbox without blocking, discarding anything in it.
func (s *Session) drain() {
	for {
		select {
		case <-s.inbox:
		default:
			return
		}
	}
}

// Send issues one request and, unless response is false, waits for the
// matching reply, retransmitting on timeout up to attempts times. counter is
// the data_counter byte to send; response callers nearly always pass
// DefaultDataCounter. It implements the retry/resync state machine of spec
// §4.3 including mid-sequence WRONG_NUMBER handling. ctx is checked before
// each transmission and while waiting for a reply; a cancelled ctx returns
// ErrCancelled wrapped.
func (s *Session) Send(ctx context.Context, subject Subject, data []byte, counter uint8, response bool, timeout time.Duration, attempts int) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
	}

	msg := Message{
		BoardID:     s.boardID,
		Type:        Request,
		Subject:     subject,
		Number:      s.msgNumber,
		DataCounter: counter,
		Data:        data,
	}

	if !response {
		if err := s.iface.Send(Encode(msg)); err != nil {
			return nil, err
		}
		s.msgNumber = (s.msgNumber + 1) & 0xff
		return nil, nil
	}

	s.drain()

	repeats := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		if err := s.iface.Send(Encode(msg)); err != nil {
			return nil, err
		}

		deadline := time.NewTimer(timeout)
	waitLoop:
		for {
			select {
			case <-ctx.Done():
				deadline.Stop()
				return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
			case reply := <-s.inbox:
				if reply.Subject != msg.Subject {
					s.logger.WithFields(log.Fields{
						"expected": msg.Subject,
						"got":      reply.Subject,
						"number":   reply.Number,
					}).Debug("session: discarding stale message")
					continue
				}
				switch reply.Type {
				case Success:
					s.drain()
					deadline.Stop()
					s.msgNumber = (s.msgNumber + 1) & 0xff
					return &reply, nil
				case WrongNumber:
					s.logger.WithFields(log.Fields{
						"board": reply.Number,
						"here":  msg.Number,
					}).Warn("session: wrong message number reported by target")
					if msg.Number == 0 {
						s.msgNumber = reply.Number
						msg.Number = s.msgNumber
					}
					deadline.Stop()
					time.Sleep(100 * time.Millisecond)
					s.drainFor(100 * time.Millisecond)
					break waitLoop
				default:
					deadline.Stop()
					return nil, &ProtocolError{Type: reply.Type}
				}
			case <-deadline.C:
				break waitLoop
			}
		}

		repeats++
		if attempts > 0 && repeats >= attempts {
			return nil, fmt.Errorf("%w: subject %s after %d attempts", ErrNoResponse, subject, repeats)
		}
	}
}

// drainFor consumes inbox messages for the given window, used after a
// WRONG_NUMBER response to flush any other stragglers from the previous
// transmission before retrying.
func (s *Session) drainFor(window time.Duration) {
	deadline := time.After(window)
	for {
		select {
		case <-s.inbox:
		case <-deadline:
			return
		}
	}
}
