// Package webhook exposes the HTTP receiver for provider push callbacks.
// A provider that supports webhooks delivers the finished job payload to
// POST /hooks/{tool_id}/{generation_id}, or to
// POST /hooks/{tool_id}/jobs/{provider_job_id} when it can only echo its
// own job id. Either way the receiver normalizes the payload through the
// tool's adapter and settles it exactly like a polled result would be.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/rendis/spellcast/internal/adapter"
	"github.com/rendis/spellcast/internal/logging"
	"github.com/rendis/spellcast/internal/store"
	"github.com/rendis/spellcast/pkg/schema"
)

// maxBodyBytes caps webhook payload size.
const maxBodyBytes = 1 << 20

// ResultContinuer settles an externally delivered step result.
type ResultContinuer interface {
	ContinueExecution(ctx context.Context, result *schema.StepResult) error
}

// JobResolver cancels the poll loop for a generation once its result has
// arrived by another path.
type JobResolver interface {
	Resolve(generationID string) bool
}

// Deps holds the dependencies for the webhook receiver.
type Deps struct {
	Store    store.Store
	Registry *adapter.Registry
	Engine   ResultContinuer
	Tracker  JobResolver
	Logger   *slog.Logger
}

// Receiver handles inbound provider webhooks.
type Receiver struct {
	deps Deps
}

// NewReceiver creates a Receiver.
func NewReceiver(deps Deps) *Receiver {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Receiver{deps: deps}
}

// Handler returns the HTTP handler for the webhook routes.
func (rc *Receiver) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /hooks/{tool_id}/{generation_id}", rc.handleDelivery)
	mux.HandleFunc("POST /hooks/{tool_id}/jobs/{provider_job_id}", rc.handleJobDelivery)
	return mux
}

func (rc *Receiver) handleDelivery(w http.ResponseWriter, r *http.Request) {
	toolID := r.PathValue("tool_id")
	generationID := r.PathValue("generation_id")

	gen, err := rc.deps.Store.GetGeneration(r.Context(), generationID)
	if err != nil {
		var castErr *schema.CastError
		if errors.As(err, &castErr) && castErr.Code == schema.ErrCodeNotFound {
			writeError(w, http.StatusNotFound, fmt.Sprintf("unknown generation %q", generationID))
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("load generation: %v", err))
		return
	}
	if gen.ToolID != toolID {
		writeError(w, http.StatusNotFound,
			fmt.Sprintf("generation %q does not belong to tool %q", generationID, toolID))
		return
	}

	rc.settleDelivery(w, r, gen)
}

// handleJobDelivery serves providers that key their callbacks by their own
// job id rather than the generation id we minted.
func (rc *Receiver) handleJobDelivery(w http.ResponseWriter, r *http.Request) {
	toolID := r.PathValue("tool_id")
	providerJobID := r.PathValue("provider_job_id")

	gen, err := rc.deps.Store.LookupGenerationByJob(r.Context(), toolID, providerJobID)
	if err != nil {
		var castErr *schema.CastError
		if errors.As(err, &castErr) && castErr.Code == schema.ErrCodeNotFound {
			writeError(w, http.StatusNotFound,
				fmt.Sprintf("no generation for tool %q job %q", toolID, providerJobID))
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("lookup job: %v", err))
		return
	}

	rc.settleDelivery(w, r, gen)
}

func (rc *Receiver) settleDelivery(w http.ResponseWriter, r *http.Request, gen *store.GenerationRecord) {
	toolID := gen.ToolID
	generationID := gen.GenerationID
	ctx := logging.WithIDs(r.Context(), gen.CastID, gen.StepID, gen.ToolID)

	a, err := rc.deps.Registry.Get(toolID)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown tool %q", toolID))
		return
	}
	parser, ok := a.(adapter.WebhookParser)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("tool %q does not accept webhooks", toolID))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
		return
	}

	result, err := parser.ParseWebhook(body)
	if err != nil {
		rc.deps.Logger.WarnContext(ctx, "webhook payload rejected", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid payload: %v", err))
		return
	}
	result.GenerationID = gen.GenerationID
	result.StepID = gen.StepID

	stepID := gen.StepID
	evt := &store.CastEvent{
		CastID:    gen.CastID,
		StepID:    &stepID,
		Type:      schema.EventWebhookReceived,
		Payload:   json.RawMessage(fmt.Sprintf(`{"tool_id":%q,"generation_id":%q}`, toolID, generationID)),
		Timestamp: time.Now().UTC(),
	}
	if err := rc.deps.Store.AppendEvent(ctx, evt); err != nil {
		rc.deps.Logger.WarnContext(ctx, "webhook event append failed", slog.String("error", err.Error()))
	}

	// Stop the poll loop first so a concurrent poll cannot race the
	// settlement below. Settlement itself is idempotent either way.
	if rc.deps.Tracker != nil {
		rc.deps.Tracker.Resolve(generationID)
	}

	if err := rc.deps.Engine.ContinueExecution(ctx, result); err != nil {
		rc.deps.Logger.ErrorContext(ctx, "webhook settlement failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("settle result: %v", err))
		return
	}

	// Duplicates settle as no-ops; the provider sees success and stops
	// retrying.
	writeJSON(w, http.StatusOK, map[string]string{
		"generation_id": generationID,
		"status":        string(result.Status),
	})
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
