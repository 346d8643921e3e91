package bootloader

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// blockRetryDelay is how long ProgramPage waits before retrying a block at a
// smaller size after a failed transmission.
const blockRetryDelay = 300 * time.Millisecond

// DefaultInitialBlocksize is the starting number of 4-byte words streamed per
// block when a caller does not override it (see Config's
// initial_blocksize key, spec §2.3).
const DefaultInitialBlocksize = 64

// ProgramPage writes one page of flash (spec §4.4). data is padded to the
// board's page size with 0xFF. addressAlreadySet skips the initial
// SET_ADDRESS request, used when the previous page's final write left the
// target's page buffer pointer where this page needs it. initialBlocksize is
// the starting number of words per block, before any backoff; callers should
// pass DefaultInitialBlocksize unless a smaller bus or a flaky link calls for
// starting lower. ctx is forwarded to every Send call.
func (s *Session) ProgramPage(ctx context.Context, page uint16, data []byte, addressAlreadySet bool, logger log.FieldLogger, pageSize uint16, initialBlocksize int, timeout time.Duration, attempts int) error {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if initialBlocksize <= 0 {
		initialBlocksize = DefaultInitialBlocksize
	}

	padded := make([]byte, pageSize)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = 0xff
	}

	remaining := int(pageSize) / 4
	blocksize := initialBlocksize
	offset := 0

	var answer *Message

	for remaining > 0 {
		reply, err := s.programBlock(ctx, page, padded, offset, blocksize, remaining, addressAlreadySet, timeout, attempts)
		if err != nil {
			if blocksize > 1 {
				blocksize /= 2
				addressAlreadySet = false
				logger.WithFields(log.Fields{"page": page, "blocksize": blocksize}).
					WithError(err).Warn("programmer: block failed, backing off")
				time.Sleep(blockRetryDelay)
				continue
			}
			return err
		}
		answer = reply
		used := blocksize
		if used > remaining {
			used = remaining
		}
		remaining -= used
		offset += used
		addressAlreadySet = true
	}

	returnedPage := uint16(answer.Data[0])<<8 | uint16(answer.Data[1])
	if returnedPage != page {
		return ErrPageMismatch
	}
	return nil
}

// programBlock sends one block of up to blocksize words, honouring the
// actual number remaining, and returns the response to the last word sent.
func (s *Session) programBlock(ctx context.Context, page uint16, data []byte, offset, blocksize, remaining int, addressAlreadySet bool, timeout time.Duration, attempts int) (*Message, error) {
	if blocksize > remaining {
		blocksize = remaining
	}

	if !addressAlreadySet {
		if _, err := s.Send(ctx, SetAddress, []byte{byte(page >> 8), byte(page & 0xff), 0, byte(offset)}, DefaultDataCounter, true, timeout, attempts); err != nil {
			return nil, err
		}
	}

	if blocksize == 1 {
		return s.Send(ctx, Data, wordAt(data, offset), DefaultDataCounter, true, timeout, attempts)
	}

	i := offset
	if _, err := s.Send(ctx, Data, wordAt(data, i), StartOfMessageMask|uint8(blocksize-1), false, 0, 0); err != nil {
		return nil, err
	}
	for k := blocksize - 2; k > 0; k-- {
		i++
		if _, err := s.Send(ctx, Data, wordAt(data, i), uint8(k), false, 0, 0); err != nil {
			return nil, err
		}
	}
	i++
	return s.Send(ctx, Data, wordAt(data, i), 0, true, timeout, attempts)
}

// wordAt extracts the 4-byte word at index i (i.e. data[i*4:i*4+4]).
func wordAt(data []byte, i int) []byte {
	start := i * 4
	end := start + 4
	if end > len(data) {
		end = len(data)
	}
	return data[start:end]
}
