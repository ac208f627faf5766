package deltamanager

import (
	"context"
	"time"

	"go.uber.org/zap"

	fluidsync "github.com/fluidsync/client-go"
)

// GetDeltas fetches sequenced messages from the history endpoint in bounded
// batches. Bounds are exclusive: the result covers (from, to). A nil to
// fetches until the source is exhausted.
//
// Transient failures and bounded fetches that come back empty (ops not yet
// durable) are retried with exponential backoff, capped and overridable by
// a server-requested delay. The retry counter resets whenever a batch
// returns at least one delta. A permanent error, or failing to reach the
// storage endpoint at all, is returned to the caller.
func (m *DeltaManager) GetDeltas(ctx context.Context, reason string, from int64, to *int64) ([]fluidsync.SequencedMessage, error) {
	return m.getDeltas(ctx, reason, from, to, nil)
}

// getDeltas is GetDeltas with an optional progress hook. Gap-fill fetches
// pass the last queued sequence number so a gap the socket fills while
// storage lags does not keep the fetch polling.
func (m *DeltaManager) getDeltas(ctx context.Context, reason string, from int64, to *int64, progress func() int64) ([]fluidsync.SequencedMessage, error) {
	storage, err := m.deltaStorage(ctx)
	if err != nil {
		return nil, err
	}

	var deltas []fluidsync.SequencedMessage
	retry := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if progress != nil {
			if queued := progress(); queued > from {
				from = queued
				if to != nil && *to-1 <= from {
					return deltas, nil
				}
			}
		}
		maxFetchTo := from + m.cfg.MaxBatchDeltas
		fetchTo := maxFetchTo
		if to != nil && *to < fetchTo {
			fetchTo = *to
		}

		batch, err := storage.Get(ctx, from, fetchTo)
		if err != nil {
			if !fluidsync.CanRetry(err) {
				return nil, err
			}
			retry++
			delay := m.fetchDelay(retry, err)
			m.logger.Debug("delta fetch failed",
				zap.String("reason", reason),
				zap.Int64("from", from),
				zap.Int("retry", retry),
				zap.Duration("retryIn", delay),
				zap.Error(err))
			if err := sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}

		if len(batch) > 0 {
			deltas = append(deltas, batch...)
			last := batch[len(batch)-1].SequenceNumber
			retry = 0
			if to == nil {
				if last < maxFetchTo-1 {
					return deltas, nil // source exhausted
				}
			} else if *to-1 <= last {
				return deltas, nil
			}
			from = last
			continue
		}

		if to == nil {
			return deltas, nil
		}
		// The requested range exists but is not yet readable; back off and
		// ask again.
		retry++
		delay := m.fetchDelay(retry, nil)
		m.logger.Debug("delta fetch returned no ops",
			zap.String("reason", reason),
			zap.Int64("from", from),
			zap.Int64("to", *to),
			zap.Int("retry", retry),
			zap.Duration("retryIn", delay))
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// deltaStorage lazily connects the history endpoint. A connect failure is
// not retried here; the caller treats it as fatal.
func (m *DeltaManager) deltaStorage(ctx context.Context) (fluidsync.DeltaStorage, error) {
	m.mu.Lock()
	storage := m.storage
	m.mu.Unlock()
	if storage != nil {
		return storage, nil
	}
	storage, err := m.service.ConnectToDeltaStorage(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	if m.storage == nil {
		m.storage = storage
	}
	storage = m.storage
	m.mu.Unlock()
	return storage, nil
}

// fetchDelay computes the sleep before retry attempt number retry: the
// server-requested delay when present, otherwise MissingFetchDelay·2^retry
// capped at MaxFetchDelay.
func (m *DeltaManager) fetchDelay(retry int, err error) time.Duration {
	if delay, ok := fluidsync.RetryAfter(err); ok {
		return delay
	}
	delay := m.cfg.MissingFetchDelay
	for i := 0; i < retry; i++ {
		delay *= 2
		if delay >= m.cfg.MaxFetchDelay {
			return m.cfg.MaxFetchDelay
		}
	}
	return delay
}

// fetchMissingDeltas kicks off a background gap-fill fetch. At most one is
// in flight; its results run through catchUp.
func (m *DeltaManager) fetchMissingDeltas(reason string, from int64, to *int64) {
	m.mu.Lock()
	if m.closed || m.fetching {
		m.mu.Unlock()
		return
	}
	m.fetching = true
	m.mu.Unlock()

	go func() {
		msgs, err := m.getDeltas(m.ctx, reason, from, to, m.LastQueuedSequenceNumber)
		m.mu.Lock()
		m.fetching = false
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}
		if err != nil {
			m.fatal(err)
			return
		}
		m.catchUp(reason, msgs)
	}()
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
