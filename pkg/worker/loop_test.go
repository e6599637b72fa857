package worker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/netauto/fleetctl/pkg/credential"
	"github.com/netauto/fleetctl/pkg/device"
	"github.com/netauto/fleetctl/pkg/driver"
	"github.com/netauto/fleetctl/pkg/engine"
	"github.com/netauto/fleetctl/pkg/inventory"
	"github.com/netauto/fleetctl/pkg/job"
	"github.com/netauto/fleetctl/pkg/queue"
	"github.com/netauto/fleetctl/pkg/store"
)

type fakeSession struct{}

func (fakeSession) Exec(context.Context, string) (string, error) { return "ok", nil }
func (fakeSession) GetConfig(context.Context) (string, error)    { return "", nil }
func (fakeSession) ApplyConfig(context.Context, string, bool, bool) (driver.ApplyResult, error) {
	return driver.ApplyResult{Applied: true}, nil
}
func (fakeSession) Rollback(context.Context, string) error { return nil }
func (fakeSession) Close(context.Context) error            { return nil }

type fakeDriver struct{ deviceType device.Type }

func (d fakeDriver) Connect(context.Context, device.Device, credential.Credential) (driver.Session, error) {
	return fakeSession{}, nil
}
func (d fakeDriver) Capabilities() driver.CapabilitySet { return driver.CapabilitySet{} }
func (d fakeDriver) DeviceType() device.Type            { return d.deviceType }

type fakeResolver struct{}

func (fakeResolver) Resolve(context.Context, device.CredentialRef) (credential.Credential, error) {
	return credential.NewUserPassword("admin", "secret"), nil
}

const testDeviceType = device.Type("fake_cli")

func newTestLoop(t *testing.T, q queue.Queue, signer *queue.EnvelopeSigner) *Loop {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.New(driver.NewRegistry(fakeDriver{deviceType: testDeviceType}), logger)
	inv := inventory.NewStatic([]device.Device{{ID: "dev-1", Type: testDeviceType}})
	sink := store.NewMemory()
	cfg := Config{VisibilityTimeout: time.Minute, PollInterval: time.Millisecond, NackBackoff: time.Millisecond}
	return New(q, eng, inv, fakeResolver{}, nil, sink, logger, cfg, signer)
}

func enqueueTestJob(t *testing.T, q queue.Queue, envelope string) string {
	t.Helper()
	payload, err := queue.EncodeJob(job.Job{
		ID:     "job-1",
		Kind:   job.KindSpec{Kind: job.CommandBatch, Commands: []string{"show version"}},
		Target: job.SelectAll(),
	})
	if err != nil {
		t.Fatalf("EncodeJob() error = %v", err)
	}
	id, err := q.Enqueue(context.Background(), queue.QueueItem{JobPayload: payload, Envelope: envelope})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	return id
}

func TestRunItemAcksOnSuccess(t *testing.T) {
	q := queue.NewMemory(3)
	enqueueTestJob(t, q, "")
	l := newTestLoop(t, q, nil)

	item, ok, err := q.Dequeue(context.Background(), time.Minute)
	if err != nil || !ok {
		t.Fatalf("Dequeue() = %v, %v, %v", item, ok, err)
	}

	l.runItem(context.Background(), item)

	if q.DeadLettered(item.ItemID) {
		t.Error("successful item should not be dead-lettered")
	}
	// Acked items are gone; a fresh dequeue with a generous window must find nothing.
	_, ok, err = q.Dequeue(context.Background(), time.Minute)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if ok {
		t.Error("acked item should not be redelivered")
	}
}

func TestRunItemDeadLettersUndecodablePayload(t *testing.T) {
	q := queue.NewMemory(3)
	id, err := q.Enqueue(context.Background(), queue.QueueItem{JobPayload: []byte("not json")})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	l := newTestLoop(t, q, nil)

	item, ok, err := q.Dequeue(context.Background(), time.Minute)
	if err != nil || !ok {
		t.Fatalf("Dequeue() = %v, %v, %v", item, ok, err)
	}

	l.runItem(context.Background(), item)

	if !q.DeadLettered(id) {
		t.Error("undecodable item should be dead-lettered")
	}
}

func TestRunItemDeadLettersFailedEnvelopeVerification(t *testing.T) {
	q := queue.NewMemory(3)
	signer, err := queue.NewEnvelopeSigner("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("NewEnvelopeSigner() error = %v", err)
	}
	id := enqueueTestJob(t, q, "not-a-valid-envelope")
	l := newTestLoop(t, q, signer)

	item, ok, err := q.Dequeue(context.Background(), time.Minute)
	if err != nil || !ok {
		t.Fatalf("Dequeue() = %v, %v, %v", item, ok, err)
	}

	l.runItem(context.Background(), item)

	if !q.DeadLettered(id) {
		t.Error("item with an unverifiable envelope should be dead-lettered")
	}
}

func TestRunItemAcceptsValidEnvelope(t *testing.T) {
	q := queue.NewMemory(3)
	signer, err := queue.NewEnvelopeSigner("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("NewEnvelopeSigner() error = %v", err)
	}

	token, err := signer.Sign("", "test-enqueuer")
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	id := enqueueTestJob(t, q, token)

	// Re-sign now that the real item ID is known, since Memory assigns IDs on Enqueue.
	token, err = signer.Sign(id, "test-enqueuer")
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	l := newTestLoop(t, q, signer)
	item, ok, err := q.Dequeue(context.Background(), time.Minute)
	if err != nil || !ok {
		t.Fatalf("Dequeue() = %v, %v, %v", item, ok, err)
	}
	item.Envelope = token

	l.runItem(context.Background(), item)

	if q.DeadLettered(id) {
		t.Error("item with a valid envelope should not be dead-lettered")
	}
}

func TestShutdownCancelsInFlightAndDrains(t *testing.T) {
	q := queue.NewMemory(3)
	enqueueTestJob(t, q, "")
	l := newTestLoop(t, q, nil)

	item, ok, err := q.Dequeue(context.Background(), time.Minute)
	if err != nil || !ok {
		t.Fatalf("Dequeue() = %v, %v, %v", item, ok, err)
	}

	handle := engine.NewCancelHandle()
	l.mu.Lock()
	l.inFlight[item.ItemID] = handle
	l.mu.Unlock()

	done := make(chan struct{})
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		<-handle.Done()
		close(done)
	}()

	l.shutdown()

	select {
	case <-done:
	default:
		t.Error("shutdown should cancel in-flight handles before returning")
	}
}
