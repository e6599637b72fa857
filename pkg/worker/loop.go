// Package worker implements the Worker Loop (spec §4.7): dequeue,
// deserialize, construct a cancel handle, invoke the engine, ack/nack/
// dead-letter, and honor graceful shutdown by draining in-flight jobs.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/netauto/fleetctl/pkg/credential"
	"github.com/netauto/fleetctl/pkg/device"
	"github.com/netauto/fleetctl/pkg/engine"
	"github.com/netauto/fleetctl/pkg/inventory"
	"github.com/netauto/fleetctl/pkg/job"
	"github.com/netauto/fleetctl/pkg/queue"
	"github.com/netauto/fleetctl/pkg/store"
)

// Resolver is the narrow credential-resolution contract the worker
// threads into the engine. *credential.Resolver satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, ref device.CredentialRef) (credential.Credential, error)
}

// Config bundles the worker loop's tunables.
type Config struct {
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	NackBackoff       time.Duration
}

// DefaultConfig returns sane defaults for a single worker process.
func DefaultConfig() Config {
	return Config{
		VisibilityTimeout: 10 * time.Minute,
		PollInterval:      time.Second,
		NackBackoff:       5 * time.Second,
	}
}

// Loop drives one worker process's dequeue/execute/ack cycle.
type Loop struct {
	q         queue.Queue
	eng       *engine.Engine
	inv       inventory.Inventory
	resolver  Resolver
	approvals job.ApprovalChecker
	sink      store.Sink
	logger    *slog.Logger
	cfg       Config
	signer    *queue.EnvelopeSigner // nil disables provenance verification

	wg       sync.WaitGroup
	mu       sync.Mutex
	inFlight map[string]*engine.CancelHandle
}

// New constructs a Loop. signer may be nil to skip provenance verification
// of dequeued items (e.g. a single trusted in-process enqueuer).
func New(q queue.Queue, eng *engine.Engine, inv inventory.Inventory, resolver Resolver, approvals job.ApprovalChecker, sink store.Sink, logger *slog.Logger, cfg Config, signer *queue.EnvelopeSigner) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		q:         q,
		eng:       eng,
		inv:       inv,
		resolver:  resolver,
		approvals: approvals,
		sink:      sink,
		logger:    logger,
		cfg:       cfg,
		signer:    signer,
		inFlight:  make(map[string]*engine.CancelHandle),
	}
}

// Run polls the queue until ctx is cancelled, then fires every in-flight
// job's cancel handle and blocks until they drain (spec §4.7's graceful
// shutdown requirement).
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			return nil
		case <-ticker.C:
			l.pollOnce(ctx)
		}
	}
}

func (l *Loop) pollOnce(ctx context.Context) {
	item, ok, err := l.q.Dequeue(ctx, l.cfg.VisibilityTimeout)
	if err != nil {
		l.logger.Error("dequeue failed", "error", err)
		return
	}
	if !ok {
		return
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.runItem(ctx, item)
	}()
}

func (l *Loop) runItem(ctx context.Context, item queue.QueueItem) {
	if l.signer != nil {
		enqueuer, verifyErr := l.signer.Verify(item.Envelope, item.ItemID)
		if verifyErr != nil {
			l.logger.Error("envelope verification failed", "item_id", item.ItemID, "error", verifyErr)
			if derr := l.q.DeadLetter(ctx, item.ItemID, fmt.Sprintf("envelope verification failed: %v", verifyErr)); derr != nil {
				l.logger.Error("dead-lettering unverifiable item", "item_id", item.ItemID, "error", derr)
			}
			return
		}
		l.logger.Debug("envelope verified", "item_id", item.ItemID, "enqueuer", enqueuer)
	}

	j, err := queue.DecodeJob(item.JobPayload)
	if err != nil {
		l.logger.Error("decoding queued job", "item_id", item.ItemID, "error", err)
		if derr := l.q.DeadLetter(ctx, item.ItemID, fmt.Sprintf("decode error: %v", err)); derr != nil {
			l.logger.Error("dead-lettering undecodable item", "item_id", item.ItemID, "error", derr)
		}
		return
	}

	cancel := engine.NewCancelHandle()
	l.mu.Lock()
	l.inFlight[item.ItemID] = cancel
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.inFlight, item.ItemID)
		l.mu.Unlock()
	}()

	_, err = l.eng.Execute(ctx, j, l.inv, l.resolver, l.approvals, l.sink, cancel)
	switch {
	case err == nil:
		if ackErr := l.q.Ack(ctx, item.ItemID); ackErr != nil {
			l.logger.Error("acking completed item", "item_id", item.ItemID, "error", ackErr)
		}
	case cancel.Cancelled():
		if nackErr := l.q.Nack(ctx, item.ItemID, l.cfg.NackBackoff); nackErr != nil {
			l.logger.Error("nacking cancelled item", "item_id", item.ItemID, "error", nackErr)
		}
	default:
		l.logger.Error("engine execution failed", "item_id", item.ItemID, "job_id", j.ID, "error", err)
		if nackErr := l.q.Nack(ctx, item.ItemID, l.cfg.NackBackoff); nackErr != nil {
			l.logger.Error("nacking failed item", "item_id", item.ItemID, "error", nackErr)
		}
	}
}

// shutdown fires every in-flight job's cancel handle and waits for all
// runItem goroutines to return.
func (l *Loop) shutdown() {
	l.mu.Lock()
	for _, h := range l.inFlight {
		h.Cancel()
	}
	l.mu.Unlock()

	l.logger.Info("worker loop shutting down, draining in-flight jobs")
	l.wg.Wait()
	l.logger.Info("worker loop drained")
}
