package bootloader

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff"
	log "github.com/sirupsen/logrus"

	"github.com/samsamfire/avrboot/pkg/can"
	"github.com/samsamfire/avrboot/pkg/image"
)

const identifyRetryInterval = 50 * time.Millisecond

// Driver orchestrates an end-to-end flash (spec §4.5): connecting to a
// board, streaming an image page by page, and starting the application.
type Driver struct {
	session *Session
	board   Board
	logger  log.FieldLogger

	// RequestTimeout/RequestAttempts bound ordinary request/response
	// exchanges (SET_ADDRESS, DATA, START_APPLICATION).
	RequestTimeout  time.Duration
	RequestAttempts int

	// IdentifyTimeout/IdentifyAttempts bound each inner IDENTIFY exchange;
	// the outer retry loop itself never gives up.
	IdentifyTimeout  time.Duration
	IdentifyAttempts int

	// InitialBlocksize is the starting number of words ProgramPage streams
	// per block, before any failure backoff (spec §2.3's initial_blocksize
	// config key).
	InitialBlocksize int

	// StartBootloaderCommand, if set, is invoked before every IDENTIFY
	// attempt. It exists so a caller can send whatever out-of-band wakeup
	// frame its bus requires (e.g. a reset request) without the core
	// package depending on that transport detail.
	StartBootloaderCommand func() error
}

// NewDriver creates a Driver for boardID over iface, with the library's
// default timeouts and retry counts.
func NewDriver(iface can.Interface, boardID uint8, logger log.FieldLogger) *Driver {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Driver{
		session:          NewSession(iface, boardID, logger),
		board:            Board{ID: boardID},
		logger:           logger,
		RequestTimeout:   500 * time.Millisecond,
		RequestAttempts:  2,
		IdentifyTimeout:  100 * time.Millisecond,
		IdentifyAttempts: 10,
		InitialBlocksize: DefaultInitialBlocksize,
	}
}

// Board returns the most recently identified board parameters.
func (d *Driver) Board() Board { return d.board }

// identify retries IDENTIFY until the target responds, per spec §4.5: the
// bootloader only listens briefly after reset, so the host must keep
// knocking. backoff.Retry supplies the infinite retry loop; a constant
// interval matches the original's busy-ish polling without hammering the bus.
// A cancelled ctx stops the retry loop and surfaces as ErrCancelled.
func (d *Driver) identify(ctx context.Context) error {
	op := func() error {
		if d.StartBootloaderCommand != nil {
			if err := d.StartBootloaderCommand(); err != nil {
				return err
			}
		}
		reply, err := d.session.Send(ctx, Identify, nil, DefaultDataCounter, true, d.IdentifyTimeout, d.IdentifyAttempts)
		if err != nil {
			if errors.Is(err, ErrCancelled) {
				return backoff.Permanent(err)
			}
			return err
		}
		return d.board.populateFromIdentify(reply.Data)
	}
	return backoff.Retry(op, backoff.NewConstantBackOff(identifyRetryInterval))
}

// pageSource steps a pageSize window through one segment at a time, in file
// order. It deliberately does not span a page across two segments: a page
// whose window runs past the end of the current segment is simply short
// (ProgramPage pads it with 0xFF) and the next page starts at the beginning
// of the following segment. Segment.Offset is not consulted, matching the
// original flashing tool this protocol comes from, which lays pages down
// back to back starting at page 0 rather than address-mapping them.
type pageSource struct {
	segments []image.Segment
	segIdx   int
	offset   int
}

func (p *pageSource) next(n int) []byte {
	if p.segIdx >= len(p.segments) {
		return nil
	}
	data := p.segments[p.segIdx].Data
	end := p.offset + n
	if end > len(data) {
		end = len(data)
	}
	chunk := data[p.offset:end]
	p.offset += n
	if p.offset >= len(data) {
		p.offset = 0
		p.segIdx++
	}
	return chunk
}

// Program flashes segments onto the target and starts the application
// (spec §4.5). It reports progress through sink at each stage; sink may be
// NopProgressSink{} if the caller does not care. ctx is checked before
// IDENTIFY and before every page; cancelling it mid-flash returns
// ErrCancelled wrapped, leaving the target partially programmed.
func (d *Driver) Program(ctx context.Context, segments []image.Segment, sink ProgressSink) error {
	if sink == nil {
		sink = NopProgressSink{}
	}

	sink.Report(Waiting, 0)
	if err := d.identify(ctx); err != nil {
		sink.Report(ErrorState, 0)
		return err
	}
	d.logger.Info(d.board.String())

	totalSize := image.TotalSize(segments)
	pageSize := int(d.board.PageSize)
	pages := int(math.Ceil(float64(totalSize) / float64(pageSize)))

	if uint16(pages) > d.board.Pages {
		sink.Report(ErrorState, 0)
		return ErrImageTooLarge
	}

	sink.Report(Start, 0)

	src := &pageSource{segments: segments}
	addressSet := false
	for i := 0; i < pages; i++ {
		if err := ctx.Err(); err != nil {
			sink.Report(ErrorState, float64(i)/float64(pages))
			return fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		data := src.next(pageSize)
		if err := d.session.ProgramPage(ctx, uint16(i), data, addressSet, d.logger, d.board.PageSize, d.InitialBlocksize, d.RequestTimeout, d.RequestAttempts); err != nil {
			sink.Report(ErrorState, float64(i)/float64(pages))
			return err
		}
		addressSet = true
		sink.Report(InProgress, float64(i)/float64(pages))
	}

	sink.Report(End, 1.0)

	_, err := d.session.Send(ctx, StartApplication, nil, DefaultDataCounter, true, d.RequestTimeout, d.RequestAttempts)
	return err
}
