package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/netauto/fleetctl/pkg/credential"
	"github.com/netauto/fleetctl/pkg/device"
	"github.com/netauto/fleetctl/pkg/driver"
	"github.com/netauto/fleetctl/pkg/inventory"
	"github.com/netauto/fleetctl/pkg/job"
	"github.com/netauto/fleetctl/pkg/outcome"
	"github.com/netauto/fleetctl/pkg/store"
)

// fakeSession is a scripted driver.Session for engine tests.
type fakeSession struct {
	execErr    error
	applyErr   error
	config     string
	closeCalls int

	// started and block let a test observe exactly how many devices
	// entered Exec, and hold them there until the test releases block.
	started *atomic.Int32
	block   chan struct{}
}

func (s *fakeSession) Exec(ctx context.Context, _ string) (string, error) {
	if s.execErr != nil {
		return "", s.execErr
	}
	if s.started != nil {
		s.started.Add(1)
	}
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "ok", nil
}

func (s *fakeSession) GetConfig(_ context.Context) (string, error) { return s.config, nil }

func (s *fakeSession) ApplyConfig(_ context.Context, _ string, _, _ bool) (driver.ApplyResult, error) {
	if s.applyErr != nil {
		return driver.ApplyResult{}, s.applyErr
	}
	return driver.ApplyResult{Applied: true}, nil
}

func (s *fakeSession) Rollback(_ context.Context, _ string) error { return nil }

func (s *fakeSession) Close(_ context.Context) error {
	s.closeCalls++
	return nil
}

// fakeDriver registers against a fixed device.Type and returns a scripted
// session, or a connect error, for every Connect call.
type fakeDriver struct {
	deviceType device.Type
	caps       driver.CapabilitySet
	connectErr error
	session    *fakeSession
}

func (d *fakeDriver) Connect(_ context.Context, _ device.Device, _ credential.Credential) (driver.Session, error) {
	if d.connectErr != nil {
		return nil, d.connectErr
	}
	return d.session, nil
}

func (d *fakeDriver) Capabilities() driver.CapabilitySet { return d.caps }
func (d *fakeDriver) DeviceType() device.Type            { return d.deviceType }

// fakeResolver resolves every CredentialRef to a fixed credential, or
// fails for names listed in failFor.
type fakeResolver struct {
	failFor map[string]error
}

func (r fakeResolver) Resolve(_ context.Context, ref device.CredentialRef) (credential.Credential, error) {
	if err, ok := r.failFor[ref.Name]; ok {
		return credential.Credential{}, err
	}
	return credential.NewUserPassword("admin", "secret"), nil
}

func newTestEngine(drivers ...driver.Driver) *Engine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(driver.NewRegistry(drivers...), logger)
}

func TestExecuteAllSucceed(t *testing.T) {
	ctx := context.Background()
	const devType = device.Type("fake_cli")

	fd := &fakeDriver{deviceType: devType, session: &fakeSession{}}
	eng := newTestEngine(fd)

	devices := []device.Device{
		{ID: "dev-1", Type: devType, CredentialRef: device.CredentialRef{Name: "cred-1"}},
		{ID: "dev-2", Type: devType, CredentialRef: device.CredentialRef{Name: "cred-2"}},
	}
	inv := inventory.NewStatic(devices)
	sink := store.NewMemory()
	j := job.Job{
		ID:     "job-1",
		Kind:   job.KindSpec{Kind: job.CommandBatch, Commands: []string{"show version"}},
		Target: job.SelectAll(),
	}

	record, err := eng.Execute(ctx, j, inv, fakeResolver{}, nil, sink, NewCancelHandle())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if record.OverallStatus != outcome.Success {
		t.Errorf("OverallStatus = %v, want %v", record.OverallStatus, outcome.Success)
	}
	if record.Counts.Succeeded != 2 {
		t.Errorf("Succeeded = %d, want 2", record.Counts.Succeeded)
	}

	outcomes, err := sink.Outcomes(ctx, "job-1")
	if err != nil {
		t.Fatalf("Outcomes() error = %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("len(outcomes) = %d, want 2", len(outcomes))
	}

	stored, ok, err := sink.Record(ctx, "job-1")
	if err != nil || !ok {
		t.Fatalf("Record() = %v, %v, %v", stored, ok, err)
	}
}

func TestExecuteFailedWhenEveryDeviceFails(t *testing.T) {
	ctx := context.Background()
	const devType = device.Type("fake_cli")

	fd := &fakeDriver{deviceType: devType, session: &fakeSession{execErr: fmt.Errorf("boom")}}
	eng := newTestEngine(fd)

	devices := []device.Device{
		{ID: "dev-fail", Type: devType},
	}
	inv := inventory.NewStatic(devices)
	sink := store.NewMemory()
	j := job.Job{
		ID:     "job-2",
		Kind:   job.KindSpec{Kind: job.CommandBatch, Commands: []string{"show version"}},
		Target: job.SelectAll(),
	}

	record, err := eng.Execute(ctx, j, inv, fakeResolver{}, nil, sink, NewCancelHandle())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if record.OverallStatus != outcome.JobFailed {
		t.Errorf("OverallStatus = %v, want %v (no successes)", record.OverallStatus, outcome.JobFailed)
	}
	if record.Counts.Failed != 1 {
		t.Errorf("Failed = %d, want 1", record.Counts.Failed)
	}
}

func TestExecuteSkipsDeviceWithNoRegisteredDriver(t *testing.T) {
	ctx := context.Background()

	eng := newTestEngine() // empty registry
	devices := []device.Device{{ID: "dev-1", Type: device.Type("unregistered")}}
	inv := inventory.NewStatic(devices)
	sink := store.NewMemory()
	j := job.Job{
		ID:     "job-3",
		Kind:   job.KindSpec{Kind: job.CommandBatch, Commands: []string{"show version"}},
		Target: job.SelectAll(),
	}

	record, err := eng.Execute(ctx, j, inv, fakeResolver{}, nil, sink, NewCancelHandle())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if record.Counts.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", record.Counts.Skipped)
	}
}

func TestExecuteCredentialResolutionFailure(t *testing.T) {
	ctx := context.Background()
	const devType = device.Type("fake_cli")

	fd := &fakeDriver{deviceType: devType, session: &fakeSession{}}
	eng := newTestEngine(fd)

	devices := []device.Device{{ID: "dev-1", Type: devType, CredentialRef: device.CredentialRef{Name: "bad-cred"}}}
	inv := inventory.NewStatic(devices)
	sink := store.NewMemory()
	j := job.Job{
		ID:     "job-4",
		Kind:   job.KindSpec{Kind: job.CommandBatch, Commands: []string{"show version"}},
		Target: job.SelectAll(),
	}

	resolver := fakeResolver{failFor: map[string]error{"bad-cred": fmt.Errorf("secret not found")}}
	record, err := eng.Execute(ctx, j, inv, resolver, nil, sink, NewCancelHandle())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if record.Counts.Failed != 1 {
		t.Errorf("Failed = %d, want 1", record.Counts.Failed)
	}
}

func TestExecuteEmptyTargetSetIsSuccess(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine()
	inv := inventory.NewStatic(nil)
	sink := store.NewMemory()
	j := job.Job{
		ID:     "job-5",
		Kind:   job.KindSpec{Kind: job.CommandBatch, Commands: []string{"show version"}},
		Target: job.SelectAll(),
	}

	record, err := eng.Execute(ctx, j, inv, fakeResolver{}, nil, sink, NewCancelHandle())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if record.OverallStatus != outcome.Success {
		t.Errorf("OverallStatus = %v, want %v for an empty target set", record.OverallStatus, outcome.Success)
	}
}

func TestExecuteIntakeValidationFailureShortCircuits(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine()
	inv := inventory.NewStatic(nil)
	sink := store.NewMemory()
	j := job.Job{ID: "job-6", Kind: job.KindSpec{Kind: job.CommandBatch}, Target: job.SelectAll()}

	_, err := eng.Execute(ctx, j, inv, fakeResolver{}, nil, sink, NewCancelHandle())
	if err == nil {
		t.Fatal("expected an intake validation error for a command_batch job with no commands")
	}
}

func TestExecuteRollsBackOnApplyFailureWhenSupported(t *testing.T) {
	ctx := context.Background()
	const devType = device.Type("fake_cli")

	fd := &fakeDriver{
		deviceType: devType,
		caps:       driver.CapabilitySet{SupportsRollback: true},
		session:    &fakeSession{applyErr: fmt.Errorf("apply rejected")},
	}
	eng := newTestEngine(fd)

	devices := []device.Device{{ID: "dev-1", Type: devType}}
	inv := inventory.NewStatic(devices)
	sink := store.NewMemory()
	j := job.Job{
		ID:     "job-7",
		Kind:   job.KindSpec{Kind: job.ConfigPush, Snippet: "ntp server 10.0.0.1"},
		Target: job.SelectAll(),
	}

	record, err := eng.Execute(ctx, j, inv, fakeResolver{}, nil, sink, NewCancelHandle())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if record.Counts.RolledBack != 1 {
		t.Errorf("RolledBack = %d, want 1", record.Counts.RolledBack)
	}
}

func TestExecuteAlreadyCancelledSkipsAllDevices(t *testing.T) {
	ctx := context.Background()
	const devType = device.Type("fake_cli")

	fd := &fakeDriver{deviceType: devType, session: &fakeSession{}}
	eng := newTestEngine(fd)

	devices := []device.Device{{ID: "dev-1", Type: devType}, {ID: "dev-2", Type: devType}}
	inv := inventory.NewStatic(devices)
	sink := store.NewMemory()
	j := job.Job{
		ID:     "job-8",
		Kind:   job.KindSpec{Kind: job.CommandBatch, Commands: []string{"show version"}},
		Target: job.SelectAll(),
	}

	cancel := NewCancelHandle()
	cancel.Cancel()

	record, err := eng.Execute(ctx, j, inv, fakeResolver{}, nil, sink, cancel)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if record.OverallStatus != outcome.JobCancelled {
		t.Errorf("OverallStatus = %v, want %v", record.OverallStatus, outcome.JobCancelled)
	}
}

// TestExecuteCancelMidBatchSkipsQueuedDevices exercises admission's
// cancellation-aware wait: with max_parallel exhausted by in-flight
// devices, firing cancel must unblock the still-queued devices without
// ever letting them contact the (fake) device.
func TestExecuteCancelMidBatchSkipsQueuedDevices(t *testing.T) {
	ctx := context.Background()
	const devType = device.Type("fake_cli")

	var started atomic.Int32
	block := make(chan struct{})
	fd := &fakeDriver{deviceType: devType, session: &fakeSession{started: &started, block: block}}
	eng := newTestEngine(fd)

	const maxParallel = 2
	const deviceCount = 5
	devices := make([]device.Device, deviceCount)
	for i := range devices {
		devices[i] = device.Device{ID: fmt.Sprintf("dev-%d", i), Type: devType}
	}
	inv := inventory.NewStatic(devices)
	sink := store.NewMemory()
	j := job.Job{
		ID:          "job-9",
		Kind:        job.KindSpec{Kind: job.CommandBatch, Commands: []string{"show version"}},
		Target:      job.SelectAll(),
		MaxParallel: maxParallel,
	}
	cancel := NewCancelHandle()

	recordCh := make(chan outcome.JobRecord, 1)
	go func() {
		record, execErr := eng.Execute(ctx, j, inv, fakeResolver{}, nil, sink, cancel)
		if execErr != nil {
			t.Errorf("Execute() error = %v", execErr)
		}
		recordCh <- record
	}()

	deadline := time.After(2 * time.Second)
	for started.Load() < maxParallel {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for max_parallel devices to start Exec")
		case <-time.After(time.Millisecond):
		}
	}

	// Every remaining device is now queued on the exhausted admission
	// resource. Firing cancel must return them immediately, before any
	// of them ever reaches Exec.
	cancel.Cancel()

	// Give the queued devices a moment to observe cancellation, then
	// confirm none of them slipped through to Exec before unblocking
	// the two in-flight ones.
	time.Sleep(20 * time.Millisecond)
	if got := started.Load(); got != maxParallel {
		t.Errorf("started = %d, want exactly %d (queued devices must never contact the device after cancel)", got, maxParallel)
	}
	close(block)

	select {
	case record := <-recordCh:
		if record.OverallStatus != outcome.JobCancelled {
			t.Errorf("OverallStatus = %v, want %v", record.OverallStatus, outcome.JobCancelled)
		}
		if record.Counts.Cancelled != deviceCount-maxParallel {
			t.Errorf("Cancelled = %d, want %d", record.Counts.Cancelled, deviceCount-maxParallel)
		}
		if record.Counts.Succeeded != maxParallel {
			t.Errorf("Succeeded = %d, want %d", record.Counts.Succeeded, maxParallel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Execute() did not return after unblocking the in-flight devices")
	}
}
