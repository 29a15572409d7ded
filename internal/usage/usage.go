// Package usage buckets settled generations per principal and flushes them to
// the daily usage table. It is analytics only, balances are settled elsewhere.
package usage

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"relay-api/internal/database"
	"relay-api/internal/metrics"
	"relay-api/internal/shared"

	"go.uber.org/zap"
)

type saveFunc func(ctx context.Context, db *sql.DB, principalID uint64, records []database.UsageRecord) error

type Ledger struct {
	buckets       map[uint64]*bucket
	killedBuckets map[uint64]*bucket
	mu            sync.Mutex
	log           *zap.SugaredLogger
	db            *sql.DB
	save          saveFunc

	flushInterval time.Duration
	retryDelay    time.Duration
}

type bucket struct {
	principalID uint64
	records     []database.UsageRecord
	inflight    uint64
	timer       *time.Timer
}

func NewLedger(log *zap.SugaredLogger, db *sql.DB) *Ledger {
	return &Ledger{
		db:            db,
		log:           log,
		save:          database.SaveUsage,
		buckets:       map[uint64]*bucket{},
		killedBuckets: map[uint64]*bucket{},
		flushInterval: shared.UsageFlushInterval,
		retryDelay:    shared.UsageRetryDelay,
	}
}

func (l *Ledger) getBucket(principalID uint64) *bucket {
	b, ok := l.buckets[principalID]
	if !ok {
		b = &bucket{principalID: principalID}
		l.buckets[principalID] = b
	}
	return b
}

// Begin marks a generation as inflight for the principal. Every Begin must be
// followed by exactly one End.
func (l *Ledger) Begin(principalID uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.getBucket(principalID).inflight++
	metrics.InflightGenerations.Inc()
}

// End records the finished generation. The bucket flushes right away once no
// generation is inflight, otherwise on a timer.
func (l *Ledger) End(principalID uint64, rec database.UsageRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	metrics.InflightGenerations.Dec()
	b := l.getBucket(principalID)
	if b.inflight > 0 {
		b.inflight--
	}
	rec.PrincipalID = principalID
	b.records = append(b.records, rec)

	if b.inflight > 0 {
		if b.timer == nil {
			b.timer = time.AfterFunc(l.flushInterval, func() { l.flushWithRetry(principalID) })
		}
		return
	}
	if b.timer != nil && !b.timer.Stop() {
		// timer already fired and will flush
		return
	}
	b.timer = nil
	go l.flushWithRetry(principalID)
}

func (l *Ledger) flushWithRetry(principalID uint64) {
	retry := l.Flush(principalID)
	for retry != 0 {
		l.log.Warn("Flush requested retry, waiting...")
		time.Sleep(retry)
		retry = l.Flush(principalID)
	}
}

// Flush writes the principal's bucket. A non zero duration asks the caller to
// retry later because a flush for the principal is already running.
func (l *Ledger) Flush(principalID uint64) time.Duration {
	l.mu.Lock()
	b, ok := l.buckets[principalID]
	if !ok {
		l.mu.Unlock()
		return 0
	}
	if _, ok := l.killedBuckets[principalID]; ok {
		l.mu.Unlock()
		return l.retryDelay
	}
	l.killedBuckets[principalID] = b
	delete(l.buckets, principalID)
	if b.timer != nil {
		b.timer.Stop()
	}
	if b.inflight != 0 {
		l.buckets[principalID] = &bucket{principalID: principalID, inflight: b.inflight}
	}
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.killedBuckets, principalID)
		l.mu.Unlock()
	}()

	if len(b.records) == 0 {
		return 0
	}

	var err error
	for attempt := range shared.MaxFlushRetries {
		err = l.save(context.Background(), l.db, principalID, b.records)
		if err == nil {
			break
		}
		l.log.Errorw("Failed to save usage", "error", err, "attempt", attempt+1)
		if attempt+1 < shared.MaxFlushRetries {
			time.Sleep(l.retryDelay / 6)
		}
	}
	if err != nil {
		l.log.Errorw("Dropping usage records after retries", "error", err, "principal_id", principalID, "records", len(b.records))
		metrics.ErrorCount.WithLabelValues("unknown", "unknown", "save_usage").Inc()
		return 0
	}
	l.log.Infow("Flushed usage", "principal_id", principalID, "records", len(b.records))
	return 0
}

// Shutdown waits for inflight generations to end and flushes every bucket
func (l *Ledger) Shutdown(ctx context.Context) {
	l.log.Info("Shutting down usage ledger")
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		l.mu.Lock()
		total := uint64(0)
		for _, b := range l.buckets {
			total += b.inflight
		}
		l.mu.Unlock()
		if total == 0 {
			break
		}
		select {
		case <-ctx.Done():
			l.log.Warnw("Shutdown deadline reached with generations inflight", "inflight", total)
		case <-ticker.C:
			continue
		}
		break
	}

	l.mu.Lock()
	ids := make([]uint64, 0, len(l.buckets))
	for id := range l.buckets {
		ids = append(ids, id)
	}
	l.mu.Unlock()

	wg := sync.WaitGroup{}
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Flush(id)
		}()
	}
	wg.Wait()
}
