// Package sync implements the Sync Engine: a single background worker that
// sweeps the upstream time axis window by window, paginating each window
// and checkpointing page by page.
package sync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/qualys/certview-mirror/internal/certview/certviewerr"
	"github.com/qualys/certview-mirror/internal/certview/metrics"
	"github.com/qualys/certview-mirror/internal/certview/model"
	"github.com/qualys/certview-mirror/internal/certview/store"
)

// softJoinTimeout bounds how long StopSync waits for the worker to drain
// before returning control to the caller.
const softJoinTimeout = 5 * time.Second

// defaultPageSize is used when callers don't override it via WithPageSize.
const defaultPageSize = 50

// CertificateFetcher is the subset of the API Client the engine depends on.
type CertificateFetcher interface {
	FetchCertificates(ctx context.Context, startDate, endDate string, pageNumber, pageSize int) ([]map[string]any, error)
}

// Engine drives at most one sweep at a time.
type Engine struct {
	store    store.Store
	client   CertificateFetcher
	logger   *slog.Logger
	metrics  *metrics.Metrics
	pageSize int

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithPageSize overrides the default page size (50).
func WithPageSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// New creates a Sync Engine over st, fetching pages via fetcher.
func New(st store.Store, fetcher CertificateFetcher, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:    st,
		client:   fetcher,
		logger:   logger,
		metrics:  metrics.New(),
		pageSize: defaultPageSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// IsRunning reports whether a sweep is currently active.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// StartFullSync clears the Store and begins a fresh sweep. Rejected while
// another sweep is running.
func (e *Engine) StartFullSync(ctx context.Context, interval Interval) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return &certviewerr.ConcurrencyError{Reason: "a sync sweep is already running"}
	}
	e.mu.Unlock()

	if err := e.store.ClearData(ctx); err != nil {
		return err
	}
	return e.start(interval)
}

// ResumeSync continues from the existing checkpoint. Rejected while another
// sweep is running.
func (e *Engine) ResumeSync(ctx context.Context, interval Interval) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return &certviewerr.ConcurrencyError{Reason: "a sync sweep is already running"}
	}
	e.mu.Unlock()

	return e.start(interval)
}

func (e *Engine) start(interval Interval) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return &certviewerr.ConcurrencyError{Reason: "a sync sweep is already running"}
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	stopCh, doneCh := e.stopCh, e.doneCh
	e.mu.Unlock()

	go e.run(context.Background(), interval, stopCh, doneCh)
	return nil
}

// StopSync signals the running worker to cancel and waits up to
// softJoinTimeout for it to drain. Idempotent: calling it with no sweep
// running is a no-op.
func (e *Engine) StopSync() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	stopCh, doneCh := e.stopCh, e.doneCh
	e.mu.Unlock()

	select {
	case <-stopCh:
	default:
		close(stopCh)
	}

	select {
	case <-doneCh:
	case <-time.After(softJoinTimeout):
		e.logger.Warn("sync worker did not drain within soft join timeout, leaving it to finish in background")
	}
}

func (e *Engine) run(ctx context.Context, interval Interval, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	setRunning := model.StatusRunning
	if err := e.store.SaveState(ctx, model.StateUpdate{Status: &setRunning}); err != nil {
		e.logger.Error("failed to mark sweep running", "error", err)
		e.fail(ctx)
		return
	}
	e.metrics.SweepStatus.Set(metrics.StatusValue(string(model.StatusRunning)))

	if err := e.sweep(ctx, interval, stopCh); err != nil {
		if err == errStopped {
			stopped := model.StatusStopped
			if saveErr := e.store.SaveState(ctx, model.StateUpdate{Status: &stopped}); saveErr != nil {
				e.logger.Error("failed to mark sweep stopped", "error", saveErr)
			}
			e.metrics.SweepStatus.Set(metrics.StatusValue(string(model.StatusStopped)))
			e.logger.Info("sync sweep stopped by request")
			return
		}
		e.logger.Error("sync sweep failed", "error", err, "class", certviewerr.Classify(err))
		e.fail(ctx)
		return
	}

	completed := model.StatusCompleted
	if err := e.store.SaveState(ctx, model.StateUpdate{Status: &completed}); err != nil {
		e.logger.Error("failed to mark sweep completed", "error", err)
	}
	e.metrics.SweepStatus.Set(metrics.StatusValue(string(model.StatusCompleted)))
	e.logger.Info("sync sweep completed")
}

func (e *Engine) fail(ctx context.Context) {
	errored := model.StatusError
	if err := e.store.SaveState(ctx, model.StateUpdate{Status: &errored}); err != nil {
		e.logger.Error("failed to mark sweep errored", "error", err)
	}
	e.metrics.SweepStatus.Set(metrics.StatusValue(string(model.StatusError)))
}

// errStopped is a sentinel distinguishing a cooperative cancellation from a
// genuine failure.
var errStopped = &stoppedError{}

type stoppedError struct{}

func (*stoppedError) Error() string { return "sync sweep stopped" }

func (e *Engine) sweep(ctx context.Context, interval Interval, stopCh chan struct{}) error {
	state, err := e.store.GetState(ctx)
	if err != nil {
		return err
	}

	cursor, err := firstCursor(state.LastSuccessfulValidFromDate)
	if err != nil {
		return err
	}
	total := state.TotalRecordsCollected

	for {
		select {
		case <-stopCh:
			return errStopped
		default:
		}

		now := time.Now().UTC()
		if cursor.After(now) {
			break
		}

		win, next := nextWindow(cursor, now, interval)

		total, err = e.drainWindow(ctx, win, total, stopCh)
		if err != nil {
			return err
		}

		e.metrics.SweepWindowsTotal.Inc()
		cursor = next
	}

	return nil
}

// drainWindow paginates one window, checkpointing after every page, and
// returns the updated running total.
func (e *Engine) drainWindow(ctx context.Context, win window, total int64, stopCh chan struct{}) (int64, error) {
	pageNumber := 0
	for {
		select {
		case <-stopCh:
			return total, errStopped
		default:
		}

		raw, err := e.client.FetchCertificates(ctx, win.start, win.end, pageNumber, e.pageSize)
		if err != nil {
			return total, err
		}
		if len(raw) == 0 {
			return total, nil
		}

		records := make([]model.Certificate, 0, len(raw))
		maxValidFrom := ""
		for _, r := range raw {
			rec := normalize(r)
			records = append(records, rec)
			if rec.ValidFromDate > maxValidFrom {
				maxValidFrom = rec.ValidFromDate
			}
		}

		if err := e.store.SaveCertificates(ctx, records); err != nil {
			return total, err
		}

		total += int64(len(records))
		e.metrics.SweepRecordsTotal.Add(float64(len(records)))

		update := model.StateUpdate{TotalRecords: &total}
		if maxValidFrom != "" {
			update.ValidFromDate = &maxValidFrom
		}
		if err := e.store.SaveState(ctx, update); err != nil {
			return total, err
		}

		if len(raw) < e.pageSize {
			return total, nil
		}
		pageNumber++
	}
}

// normalize augments a raw upstream record into a Certificate, falling back
// to sha1 for certhash when absent. All other fields pass through unchanged;
// the full payload is preserved verbatim in FullJSON.
func normalize(raw map[string]any) model.Certificate {
	rec := model.Certificate{FullJSON: raw}

	rec.ID = stringField(raw, "id")
	rec.CertHash = stringField(raw, "certhash")
	if rec.CertHash == "" {
		rec.CertHash = stringField(raw, "sha1")
	}
	rec.ValidFromDate = stringField(raw, "validFromDate")
	rec.ValidToDate = stringField(raw, "validToDate")
	rec.SerialNumber = stringField(raw, "serialNumber")
	rec.SignatureAlgorithm = stringField(raw, "signatureAlgorithm")
	rec.KeySize = intField(raw, "keySize")
	rec.ExtendedValidation = boolField(raw, "extendedValidation")
	rec.SelfSigned = boolField(raw, "selfSigned")
	rec.AssetCount = intField(raw, "assetCount")
	rec.InstanceCount = intField(raw, "instanceCount")
	rec.Issuer = nameOrgField(raw, "issuer")
	rec.Subject = nameOrgField(raw, "subject")
	rec.Sources = stringSliceField(raw, "sources")
	rec.Assets = stringSliceField(raw, "assets")
	rec.MipStatus = model.DefaultMipStatus

	return rec
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func boolField(m map[string]any, key string) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func nameOrgField(m map[string]any, key string) model.NameOrg {
	nested, ok := m[key].(map[string]any)
	if !ok {
		return model.NameOrg{}
	}
	return model.NameOrg{
		Name:         stringField(nested, "name"),
		Organization: stringField(nested, "organization"),
	}
}

func stringSliceField(m map[string]any, key string) []string {
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
