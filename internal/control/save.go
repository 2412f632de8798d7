package control

import (
	"context"
	"sync/atomic"

	"palctl/internal/palapi"
)

// SaveStatus is the outcome of a save request.
type SaveStatus string

const (
	SaveDone       SaveStatus = "saved"
	SaveInProgress SaveStatus = "in_progress"
	SaveFailed     SaveStatus = "failed"
)

// saver serializes world saves process-wide. A concurrent request observes
// the flag already set and returns SaveInProgress without a network call.
type saver struct {
	inFlight atomic.Bool
}

func (s *saver) save(ctx context.Context, p Peer) (SaveStatus, palapi.Report, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return SaveInProgress, palapi.Report{Op: "save"}, nil
	}
	defer s.inFlight.Store(false)

	rep, err := p.Save(ctx)
	if err != nil {
		return SaveFailed, rep, err
	}
	return SaveDone, rep, nil
}

func (s *saver) busy() bool { return s.inFlight.Load() }
