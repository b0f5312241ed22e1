package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/orbitcore/orbit/internal/adapters/httpaction"
	"github.com/orbitcore/orbit/internal/adapters/metrics"
	"github.com/orbitcore/orbit/pkg/executor"
	"github.com/orbitcore/orbit/pkg/opid"
	"github.com/orbitcore/orbit/pkg/orcherr"
	"github.com/orbitcore/orbit/pkg/store"
	"github.com/orbitcore/orbit/pkg/telemetry"
)

// commandRequest is the wire shape POST /v1/operations accepts; it mirrors
// opid.Command but keeps JSON field names separate from the core's Go identifiers.
type commandRequest struct {
	Domain    string          `json:"domain"`
	EventType string          `json:"event_type"`
	BizKey    string          `json:"biz_key"`
	IdemKey   string          `json:"idem_key"`
	Payload   json.RawMessage `json:"payload"`
}

type operationHandleResponse struct {
	Completed bool          `json:"completed"`
	OpId      string        `json:"op_id"`
	Outcome   *opid.Outcome `json:"outcome,omitempty"`
	StatusURL string        `json:"status_url,omitempty"`
}

type statusResponse struct {
	State   string        `json:"state"`
	Outcome *opid.Outcome `json:"outcome,omitempty"`
}

type apiServer struct {
	ex      *executor.Executor
	action  executor.Action
	metrics *metrics.Recorder
	log     *telemetry.Logger
}

func (s *apiServer) handlePostOperation(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		orcherr.WriteHTTP(w, orcherr.HTTPStatusFor(orcherr.Validation),
			orcherr.NewEnvelope(orcherr.Validation, "malformed JSON body: "+err.Error(), "", telemetry.RequestIDFromContext(r.Context()), nil))
		return
	}

	cmd := opid.Command{
		Domain:    strings.TrimSpace(req.Domain),
		EventType: strings.TrimSpace(req.EventType),
		BizKey:    req.BizKey,
		IdemKey:   req.IdemKey,
		Payload:   opid.Payload(req.Payload),
	}

	handle, err := s.ex.Execute(r.Context(), cmd, s.action)
	if err != nil {
		s.writeExecError(w, r, err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordAccept(cmd.Domain, cmd.EventType)
	}

	writeJSON(w, http.StatusAccepted, operationHandleResponse{
		Completed: handle.Completed,
		OpId:      handle.OpId.String(),
		Outcome:   handle.Outcome,
		StatusURL: handle.StatusURL,
	})
}

func (s *apiServer) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	idRaw := strings.TrimSpace(mux.Vars(r)["opId"])
	id := opid.OpId(idRaw)
	if err := id.Validate(); err != nil {
		orcherr.WriteHTTP(w, orcherr.HTTPStatusFor(orcherr.Validation),
			orcherr.NewEnvelope(orcherr.Validation, "invalid op_id", idRaw, telemetry.RequestIDFromContext(r.Context()), nil))
		return
	}

	state, outcome, err := s.ex.QueryStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			orcherr.WriteHTTP(w, orcherr.HTTPStatusFor(orcherr.NotFound),
				orcherr.NewEnvelope(orcherr.NotFound, "unknown operation", idRaw, telemetry.RequestIDFromContext(r.Context()), nil))
			return
		}
		s.writeExecError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{State: string(state), Outcome: outcome})
}

func (s *apiServer) writeExecError(w http.ResponseWriter, r *http.Request, err error) {
	code := orcherr.Internal
	switch {
	case errors.Is(err, opid.ErrInvalid):
		code = orcherr.Validation
	case errors.Is(err, store.ErrAlreadyExists):
		code = orcherr.AlreadyExists
	case errors.Is(err, store.ErrConflict):
		code = orcherr.Conflict
	case errors.Is(err, store.ErrUnavailable):
		code = orcherr.StoreUnavailable
	}
	env := orcherr.NewEnvelope(code, err.Error(), "", telemetry.RequestIDFromContext(r.Context()), nil)
	orcherr.WriteHTTP(w, orcherr.HTTPStatusFor(code), env)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := telemetry.NewSnapshot("orbitd", []telemetry.ComponentStatus{
		{Name: "executor", Status: telemetry.StatusOK},
	}, time.Now())
	writeJSON(w, http.StatusOK, snap)
}

func (s *apiServer) handleReady(w http.ResponseWriter, r *http.Request) {
	snap := telemetry.NewSnapshot("orbitd", []telemetry.ComponentStatus{
		{Name: "executor", Status: telemetry.StatusOK},
	}, time.Now())
	status := http.StatusOK
	if snap.Overall == telemetry.StatusFatal {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, snap)
}

// defaultAction builds the forwarding Action used when no domain-specific Action is
// registered; production deployments typically wrap httpaction.Forwarder per domain
// instead of relying on one shared downstream endpoint.
func defaultAction(cfg serverConfig) executor.Action {
	return httpaction.New(cfg.DownstreamURL, time.Duration(cfg.DownstreamTimeoutMS)*time.Millisecond)
}
