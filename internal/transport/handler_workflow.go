package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/rcmflow/internal/idempotency"
	"github.com/pitabwire/rcmflow/internal/workflow"
	"github.com/pitabwire/rcmflow/model"
)

// HeaderIdempotencyKey deduplicates workflow starts.
const HeaderIdempotencyKey = "X-Idempotency-Key"

const maxBodyBytes = 1 << 20

type startRequest struct {
	TemplateID string         `json:"template_id"`
	ClaimID    string         `json:"claim_id"`
	Data       map[string]any `json:"data,omitempty"`
	AssignedTo string         `json:"assigned_to,omitempty"`
}

type completeRequest struct {
	Data    map[string]any `json:"data,omitempty"`
	Comment string         `json:"comment,omitempty"`
}

type abandonRequest struct {
	Reason string `json:"reason"`
}

func handleWorkflowStart(engine *workflow.Engine, idem idempotency.Store, ttl time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}

		raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			WriteError(w, model.NewBadRequestError("unreadable body"))
			return
		}
		var body startRequest
		if err := json.Unmarshal(raw, &body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if body.TemplateID == "" {
			WriteError(w, model.NewBadRequestError("template_id is required"))
			return
		}

		var key, hash string
		if h := r.Header.Get(HeaderIdempotencyKey); h != "" && idem != nil {
			key = idempotency.FormatKey(actor.ActorID, h)
			hash = idempotency.HashRequest(raw)
			instanceID, found, err := idem.Check(r.Context(), key, hash)
			if err != nil {
				WriteError(w, err)
				return
			}
			if found {
				view, err := engine.Get(r.Context(), instanceID)
				if err != nil {
					WriteError(w, err)
					return
				}
				w.Header().Set("Idempotent-Replayed", "true")
				WriteJSON(w, http.StatusOK, view)
				return
			}
		}

		var opts []workflow.StartOption
		if body.Data != nil {
			opts = append(opts, workflow.WithInitialData(body.Data))
		}
		if body.AssignedTo != "" {
			opts = append(opts, workflow.WithAssignee(body.AssignedTo))
		}

		state, err := engine.Start(r.Context(), actor, body.TemplateID, body.ClaimID, opts...)
		if state.ID != "" {
			// A retry with the same key must find this instance, even when
			// its leading automation failed.
			if key != "" {
				if err := idem.Save(r.Context(), key, hash, state.ID, ttl); err != nil {
					slog.Warn("idempotency save failed",
						"error", err,
						"instance_id", state.ID,
					)
				}
			}
			w.Header().Set("Location", "/api/v1/workflows/"+state.ID)
		}
		if err != nil {
			WriteError(w, err)
			return
		}

		view, err := engine.Get(r.Context(), state.ID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, view)
	}
}

func handleWorkflowList(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := actorFrom(w, r); !ok {
			return
		}

		q := r.URL.Query()
		filters := model.WorkflowFilters{
			Status:     q.Get("status"),
			TemplateID: q.Get("template_id"),
			ClaimID:    q.Get("claim_id"),
			AssignedTo: q.Get("assigned_to"),
			Page:       queryInt(r, "page", 1),
			PageSize:   queryInt(r, "page_size", 20),
		}

		summaries, total, err := engine.List(r.Context(), filters)
		if err != nil {
			WriteError(w, err)
			return
		}
		if summaries == nil {
			summaries = []model.WorkflowSummary{}
		}

		WriteJSON(w, http.StatusOK, map[string]any{
			"data":        summaries,
			"total_count": total,
			"page":        filters.Page,
			"page_size":   filters.PageSize,
		})
	}
}

func handleWorkflowGet(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := actorFrom(w, r); !ok {
			return
		}
		view, err := engine.Get(r.Context(), chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleStepComplete(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}
		var body completeRequest
		if !decodeBody(w, r, &body) {
			return
		}
		state, err := engine.CompleteStep(r.Context(), actor,
			chi.URLParam(r, "instanceId"), chi.URLParam(r, "stepId"), body.Data, body.Comment)
		respondWithView(w, r, engine, state, err)
	}
}

func handleStepSkip(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}
		var body completeRequest
		if !decodeBody(w, r, &body) {
			return
		}
		state, err := engine.SkipStep(r.Context(), actor,
			chi.URLParam(r, "instanceId"), chi.URLParam(r, "stepId"), body.Comment)
		respondWithView(w, r, engine, state, err)
	}
}

func handleStepExecute(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}
		state, err := engine.ExecuteStep(r.Context(), actor,
			chi.URLParam(r, "instanceId"), chi.URLParam(r, "stepId"))
		respondWithView(w, r, engine, state, err)
	}
}

func handleWorkflowRecover(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}
		var body model.RecoveryRequest
		if !decodeBody(w, r, &body) {
			return
		}
		state, err := engine.Recover(r.Context(), actor, chi.URLParam(r, "instanceId"), body)
		respondWithView(w, r, engine, state, err)
	}
}

func handleWorkflowAbandon(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}
		var body abandonRequest
		if !decodeBody(w, r, &body) {
			return
		}
		state, err := engine.Abandon(r.Context(), actor, chi.URLParam(r, "instanceId"), body.Reason)
		respondWithView(w, r, engine, state, err)
	}
}

// respondWithView writes the instance view after a successful mutation.
func respondWithView(w http.ResponseWriter, r *http.Request, engine *workflow.Engine, state model.WorkflowState, err error) {
	if err != nil {
		WriteError(w, err)
		return
	}
	view, err := engine.Get(r.Context(), state.ID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

func actorFrom(w http.ResponseWriter, r *http.Request) (model.ActorContext, bool) {
	actor, ok := model.ActorContextFrom(r.Context())
	if !ok {
		WriteError(w, model.NewUnauthorizedError("missing actor context"))
	}
	return actor, ok
}

// decodeBody decodes an optional JSON body into v. An empty body is accepted.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		WriteError(w, model.NewBadRequestError("unreadable body"))
		return false
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return true
	}
	if err := json.Unmarshal(raw, v); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
		} else {
			WriteError(w, model.NewBadRequestError("body does not match the expected shape"))
		}
		return false
	}
	return true
}

func queryInt(r *http.Request, name string, fallback int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return fallback
	}
	return v
}
