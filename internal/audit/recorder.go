package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"payment-otp-service/internal/bucketing"
	"payment-otp-service/internal/client"
	"payment-otp-service/internal/model"
	"payment-otp-service/internal/util"
)

// Event types recorded against the audit log.
const (
	EventCodeIssued      = "code_issued"
	EventCodeMismatch    = "code_mismatch"
	EventCooldownReject  = "cooldown_reject"
	EventCodeExpired     = "code_expired"
	EventCodeExhausted   = "code_exhausted"
	EventBreachDetected  = "breach_detected"
	EventCodeVerified    = "code_verified"
	EventCodeInvalidated = "code_invalidated"
)

const (
	flushInterval = 5 * time.Second
	flushBatch    = 200
	queueDepth    = 4096
)

const insertQuery = `INSERT INTO otp_verification_events
    (event_bucket, event_id, event_date, event_time, event_type, transaction_id, account_id, detail)`

// Recorder appends verification security events to ClickHouse from a
// background worker. Record never blocks the verification path: when the
// queue is full the event is dropped with a warning.
type Recorder struct {
	client    *client.ClickHouseClient
	bucketing *bucketing.BucketingManager
	events    chan *model.VerificationEvent
	done      chan struct{}
	closeOnce sync.Once
}

func NewRecorder(chClient *client.ClickHouseClient, bucketingMgr *bucketing.BucketingManager) *Recorder {
	r := &Recorder{
		client:    chClient,
		bucketing: bucketingMgr,
		events:    make(chan *model.VerificationEvent, queueDepth),
		done:      make(chan struct{}),
	}

	go r.worker()

	return r
}

// Record enqueues an event for asynchronous insertion.
func (r *Recorder) Record(event *model.VerificationEvent) {
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.EventTime.IsZero() {
		event.EventTime = time.Now().UTC()
	}
	event.EventDate = r.bucketing.GetDateBucket()
	event.EventBucket = r.bucketing.GetEventBucket(event.AccountID)

	select {
	case r.events <- event:
	default:
		util.Warn("Audit queue full, dropping event",
			zap.String("event_type", event.EventType),
			zap.String("transaction_id", event.TransactionID))
	}
}

// Close flushes buffered events and stops the worker.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		close(r.events)
		<-r.done
	})
}

func (r *Recorder) worker() {
	defer close(r.done)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*model.VerificationEvent, 0, flushBatch)

	for {
		select {
		case event, ok := <-r.events:
			if !ok {
				r.flush(batch)
				return
			}
			batch = append(batch, event)
			if len(batch) >= flushBatch {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (r *Recorder) flush(batch []*model.VerificationEvent) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rows := make([][]interface{}, 0, len(batch))
	for _, e := range batch {
		rows = append(rows, []interface{}{
			e.EventBucket, e.EventID, e.EventDate, e.EventTime,
			e.EventType, e.TransactionID, e.AccountID, e.Detail,
		})
	}

	if err := r.client.BatchInsert(ctx, insertQuery, rows); err != nil {
		// Best-effort sink: losing audit rows must not disturb verification
		util.Error("Failed to flush audit events",
			zap.Int("batch_size", len(batch)),
			zap.Error(err))
		return
	}

	util.Debug("Audit events flushed", zap.Int("batch_size", len(batch)))
}
