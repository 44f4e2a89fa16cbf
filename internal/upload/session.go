package upload

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lgulliver/bitsd/internal/storage"
	"github.com/lgulliver/bitsd/pkg/types"
)

// Session is the server-side record of one in-progress chunked upload. Every
// mutating operation takes the session mutex, so concurrent requests for the
// same session id serialize at this boundary while distinct sessions proceed
// fully in parallel.
type Session struct {
	ID         string
	TargetPath string
	CreatedAt  time.Time

	mu            sync.Mutex
	spool         *storage.Spool
	backing       *os.File
	total         int64
	ranges        rangeSet
	state         types.SessionState
	lastActivity  time.Time
	fragmentLimit int64
}

func newSession(id, targetPath string, backing *os.File, spool *storage.Spool, fragmentLimit int64) *Session {
	now := time.Now()
	return &Session{
		ID:            id,
		TargetPath:    targetPath,
		CreatedAt:     now,
		spool:         spool,
		backing:       backing,
		total:         types.TotalUnknown,
		state:         types.StateOpen,
		lastActivity:  now,
		fragmentLimit: fragmentLimit,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() types.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns the time of the last accepted fragment, or the
// creation time if none arrived yet.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// WriteFragment writes one fragment's payload at its absolute offset in the
// backing file and records the range as received. The first fragment fixes
// the declared total file size; a later fragment declaring a different total
// is a protocol violation that makes the session Failed. Retransmitting a
// previously received range is accepted and idempotent when the bytes are
// identical; the payload is written unconditionally and divergent
// retransmissions are not detected.
//
// On success it returns the contiguous byte count now held from offset zero.
func (s *Session) WriteFragment(rng types.ByteRange, total int64, payload []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != types.StateOpen {
		return 0, types.ErrNotOpen
	}
	if int64(len(payload)) != rng.Len() {
		return 0, fmt.Errorf("%w: payload length %d does not match range %s", types.ErrMalformed, len(payload), rng)
	}
	if rng.End > total {
		return 0, fmt.Errorf("%w: range %s exceeds declared total %d", types.ErrMalformed, rng, total)
	}
	if s.fragmentLimit > 0 && rng.Len() > s.fragmentLimit {
		// The fragment is refused but the session survives; the client can
		// resend in smaller pieces.
		return 0, fmt.Errorf("%w: fragment of %d bytes exceeds limit of %d", types.ErrTooLarge, rng.Len(), s.fragmentLimit)
	}

	if s.total == types.TotalUnknown {
		s.total = total
	} else if s.total != total {
		err := fmt.Errorf("%w: session declared %d bytes, fragment declares %d", types.ErrSizeConflict, s.total, total)
		s.fail(err)
		return 0, err
	}

	if _, err := s.backing.WriteAt(payload, rng.Start); err != nil {
		err = fmt.Errorf("writing fragment at offset %d: %w", rng.Start, err)
		s.fail(err)
		return 0, err
	}

	s.ranges.add(rng)
	s.lastActivity = time.Now()
	return s.ranges.receivedPrefix(), nil
}

// FullyCovered reports whether the received ranges form exactly
// [0, declared total).
func (s *Session) FullyCovered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total != types.TotalUnknown && s.ranges.covers(s.total)
}

// Commit promotes a fully covered upload to its target path. An incomplete
// upload is rejected and the session stays Open so the client can keep
// sending fragments. A promotion failure is terminal: the session becomes
// Failed, the backing file is gone, and nothing appears at the target path.
func (s *Session) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != types.StateOpen {
		return types.ErrNotOpen
	}
	if s.total == types.TotalUnknown || !s.ranges.covers(s.total) {
		return fmt.Errorf("%w: received %d of %d bytes", types.ErrIncomplete, s.ranges.receivedTotal(), s.total)
	}

	if err := s.spool.Promote(s.backing, s.TargetPath); err != nil {
		s.backing = nil
		s.state = types.StateFailed
		return fmt.Errorf("promoting upload to %s: %w", s.TargetPath, err)
	}

	s.backing = nil
	s.state = types.StateCommitted
	return nil
}

// Cancel discards the upload, deleting the backing file. It is rejected once
// the session has reached a terminal state.
func (s *Session) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != types.StateOpen {
		return types.ErrNotOpen
	}

	if err := s.spool.Discard(s.backing); err != nil {
		log.Warn().Err(err).Str("session_id", s.ID).Msg("failed to discard backing file on cancel")
	}
	s.backing = nil
	s.state = types.StateCancelled
	return nil
}

// fail force-transitions the session to Failed, releasing the backing file.
// Callers hold s.mu.
func (s *Session) fail(cause error) {
	log.Error().Err(cause).Str("session_id", s.ID).Str("target", s.TargetPath).
		Msg("upload session failed")
	if s.backing != nil {
		if err := s.spool.Discard(s.backing); err != nil {
			log.Warn().Err(err).Str("session_id", s.ID).Msg("failed to discard backing file")
		}
		s.backing = nil
	}
	s.state = types.StateFailed
}
