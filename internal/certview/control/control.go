// Package control implements the Control Surface: the small command set the
// outer HTTP façade (or a CLI) drives to operate the sync and annotation
// subsystems.
package control

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/qualys/certview-mirror/internal/certview/annotate"
	"github.com/qualys/certview-mirror/internal/certview/certviewerr"
	"github.com/qualys/certview-mirror/internal/certview/model"
	"github.com/qualys/certview-mirror/internal/certview/store"
	"github.com/qualys/certview-mirror/internal/certview/sync"
)

// TokenSource is the subset of auth.Cache the control surface depends on.
type TokenSource interface {
	GetToken(ctx context.Context, forceRefresh bool) (string, error)
}

// Result is the uniform shape every command returns: a success flag and a
// short human-readable message, matching the outer façade's response body.
type Result struct {
	Success bool
	Message string
}

// Surface wires the Sync Engine, Annotation Worker, Token Cache, and Store
// together behind the small command set described for operators.
type Surface struct {
	store  store.Store
	engine *sync.Engine
	worker *annotate.Worker
	tokens TokenSource
	logger *slog.Logger
}

// New creates a Surface.
func New(st store.Store, engine *sync.Engine, worker *annotate.Worker, tokens TokenSource, logger *slog.Logger) *Surface {
	if logger == nil {
		logger = slog.Default()
	}
	return &Surface{store: st, engine: engine, worker: worker, tokens: tokens, logger: logger}
}

// StartFullSync clears the catalog and begins a fresh sweep.
func (s *Surface) StartFullSync(ctx context.Context, interval string) Result {
	iv, err := sync.ParseInterval(interval)
	if err != nil {
		return Result{Success: false, Message: err.Error()}
	}
	if err := s.engine.StartFullSync(ctx, iv); err != nil {
		return Result{Success: false, Message: err.Error()}
	}
	s.logger.Info("full sync started", "interval", interval)
	return Result{Success: true, Message: "full sync started"}
}

// ResumeSync continues from the last checkpoint.
func (s *Surface) ResumeSync(ctx context.Context, interval string) Result {
	iv, err := sync.ParseInterval(interval)
	if err != nil {
		return Result{Success: false, Message: err.Error()}
	}
	if err := s.engine.ResumeSync(ctx, iv); err != nil {
		return Result{Success: false, Message: err.Error()}
	}
	return Result{Success: true, Message: "sync resumed"}
}

// StopSync requests cancellation of any running sweep. Idempotent.
func (s *Surface) StopSync() Result {
	s.engine.StopSync()
	return Result{Success: true, Message: "stop requested"}
}

// Reset clears the Store entirely. Rejected while a sweep is running.
func (s *Surface) Reset(ctx context.Context) Result {
	if s.engine.IsRunning() {
		return Result{Success: false, Message: (&certviewerr.ConcurrencyError{Reason: "cannot reset while a sync sweep is running"}).Error()}
	}
	if err := s.store.ClearData(ctx); err != nil {
		return Result{Success: false, Message: err.Error()}
	}
	return Result{Success: true, Message: "store reset"}
}

// Status returns the current SyncState record.
func (s *Surface) Status(ctx context.Context) (model.SyncState, error) {
	return s.store.GetState(ctx)
}

// ExportSnapshot returns every mirrored certificate for projection onto the
// fixed column order described by model.ExportColumns.
func (s *Surface) ExportSnapshot(ctx context.Context) ([]model.Certificate, error) {
	return s.store.GetAllCertificates(ctx)
}

// ForceRefreshToken requests an unconditional token refresh and returns a
// truncated prefix of the new credential for operator confirmation.
func (s *Surface) ForceRefreshToken(ctx context.Context) Result {
	token, err := s.tokens.GetToken(ctx, true)
	if err != nil {
		return Result{Success: false, Message: err.Error()}
	}
	return Result{Success: true, Message: fmt.Sprintf("token refreshed: %s", truncate(token, 8))}
}

// ImportInventory runs the Annotation Worker's synchronous import phase.
func (s *Surface) ImportInventory(ctx context.Context, r io.Reader) Result {
	if err := s.worker.Import(ctx, r); err != nil {
		return Result{Success: false, Message: err.Error()}
	}
	return Result{Success: true, Message: "inventory imported"}
}

// ApplyAnnotations launches the Annotation Worker's enrichment pass in the
// background and returns immediately; poll AnnotationStatus for completion.
// Rejected synchronously if a pass is already in flight.
func (s *Surface) ApplyAnnotations(ctx context.Context) Result {
	if s.worker.IsRunning() {
		return Result{Success: false, Message: (&certviewerr.ConcurrencyError{Reason: "annotation apply is already running"}).Error()}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		bgCtx := context.Background()
		if err := s.worker.Apply(bgCtx); err != nil {
			s.logger.Error("annotation apply failed", "error", err)
		}
	}()

	// Return only once the pass has claimed the worker (or already ended),
	// so AnnotationStatus reports it as running from this point on.
	for !s.worker.IsRunning() {
		select {
		case <-done:
			return Result{Success: true, Message: "annotation apply started"}
		case <-time.After(time.Millisecond):
		}
	}

	return Result{Success: true, Message: "annotation apply started"}
}

// AnnotationStatus reports whether the apply pass is currently running.
func (s *Surface) AnnotationStatus() Result {
	if s.worker.IsRunning() {
		return Result{Success: true, Message: "annotation apply running"}
	}
	return Result{Success: true, Message: "annotation apply idle"}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
