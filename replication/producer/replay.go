package producer

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/repliq/repliq/internal/wire"
	"github.com/repliq/repliq/pkg/filter"
	"github.com/repliq/repliq/pkg/journal"
)

// replay serves one Replay pid_offsets entry (spec §4.2): it re-emits pid's
// events from seqNr inclusive, interleaved into the outgoing stream via the
// shared sendMu, until the journal reports no further event for that entity.
func (e *Engine) replay(
	ctx context.Context,
	sendMu *sync.Mutex,
	stream wire.ReplicationServer_ReplicateEventsServer,
	cfg StreamConfig,
	filterSet *filter.Set,
	pid string,
	seqNr int64,
	logger *log.Entry,
) {
	for {
		if ctx.Err() != nil {
			return
		}
		env, err := e.Journal.LoadEvent(ctx, cfg.EntityType, pid, seqNr)
		if errors.Is(err, journal.ErrEventNotFound) {
			return
		}
		if err != nil {
			logger.WithError(err).WithField("pid", pid).Warn("producer: replay aborted by journal error")
			return
		}
		if err := e.emit(sendMu, stream, filterSet, cfg, env); err != nil {
			logger.WithError(err).WithField("pid", pid).Warn("producer: replay emission failed")
			return
		}
		seqNr++
	}
}
