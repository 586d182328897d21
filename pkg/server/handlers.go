package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/openfroyo/webscript/pkg/engine"
)

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Class string `json:"class"`

	Identifier string `json:"identifier,omitempty"`
	Retryable  bool   `json:"retryable"`
}

// statusOf maps an error code to an HTTP status.
func statusOf(err error) int {
	var syntax *json.SyntaxError
	if errors.As(err, &syntax) {
		return http.StatusBadRequest
	}
	switch engine.CodeOf(err) {
	case engine.ErrCodeUnbound, engine.ErrCodeNotFound:
		return http.StatusNotFound
	case engine.ErrCodeFetch:
		return http.StatusBadGateway
	case engine.ErrCodeCompilation, engine.ErrCodeTypeMismatch, engine.ErrCodeInstantiation:
		return http.StatusUnprocessableEntity
	case engine.ErrCodePermissionDenied:
		return http.StatusForbidden
	case engine.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case engine.ErrCodeStore:
		return http.StatusServiceUnavailable
	case engine.ErrCodeReadOnly:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeErrorStatus(w, statusOf(err), err)
}

func (s *Server) writeErrorStatus(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, errorResponse{
		Error:      err.Error(),
		Code:       engine.CodeOf(err),
		Class:      string(engine.ClassOf(err)),
		Identifier: engine.IdentifierOf(err),
		Retryable:  engine.IsRetryable(err),
	})
}

// decodeBody decodes a JSON body into v. An empty body leaves v untouched.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxPayload))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	reference := strings.TrimSpace(r.Header.Get(ScriptHeader))
	if reference == "" {
		reference = r.URL.Query().Get("script")
	}
	if reference == "" {
		s.writeErrorStatus(w, http.StatusBadRequest, fmt.Errorf("missing %s header", ScriptHeader))
		return
	}

	var payload any
	if err := s.decodeBody(w, r, &payload); err != nil {
		s.writeErrorStatus(w, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
		return
	}

	result, err := s.invoker.Execute(r.Context(), reference, payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// timerStatus is the wire form of the timer state.
type timerStatus struct {
	Reference  string    `json:"reference"`
	Period     string    `json:"period"`
	Runs       int64     `json:"runs"`
	Failures   int64     `json:"failures"`
	LastRun    time.Time `json:"last_run,omitzero"`
	LastError  string    `json:"last_error,omitempty"`
	LastResult any       `json:"last_result,omitempty"`
}

type timerUpdate struct {
	Reference *string `json:"reference"`
	Period    *string `json:"period"`
}

func (s *Server) timerStatus() timerStatus {
	st := s.timer.Status()
	return timerStatus{
		Reference:  st.Reference,
		Period:     st.Period.String(),
		Runs:       st.Runs,
		Failures:   st.Failures,
		LastRun:    st.LastRun,
		LastError:  st.LastError,
		LastResult: st.LastResult,
	}
}

func (s *Server) handleGetTimer(w http.ResponseWriter, r *http.Request) {
	if s.timer == nil {
		http.NotFound(w, r)
		return
	}
	s.writeJSON(w, http.StatusOK, s.timerStatus())
}

func (s *Server) handlePutTimer(w http.ResponseWriter, r *http.Request) {
	if s.timer == nil {
		http.NotFound(w, r)
		return
	}

	var update timerUpdate
	if err := s.decodeBody(w, r, &update); err != nil {
		s.writeErrorStatus(w, http.StatusBadRequest, fmt.Errorf("invalid timer update: %w", err))
		return
	}

	if update.Period != nil {
		d, err := time.ParseDuration(*update.Period)
		if err != nil {
			s.writeErrorStatus(w, http.StatusBadRequest, fmt.Errorf("invalid period: %w", err))
			return
		}
		if err := s.timer.SetPeriod(d); err != nil {
			s.writeErrorStatus(w, http.StatusBadRequest, err)
			return
		}
	}
	if update.Reference != nil {
		s.timer.SetReference(strings.TrimSpace(*update.Reference))
	}
	s.writeJSON(w, http.StatusOK, s.timerStatus())
}

// timerLocation binds the timer's current reference to a location.
func (s *Server) timerLocation(w http.ResponseWriter, r *http.Request) (string, bool) {
	if s.timer == nil {
		http.NotFound(w, r)
		return "", false
	}
	reference := s.timer.Reference()
	if reference == "" {
		s.writeErrorStatus(w, http.StatusNotFound, fmt.Errorf("timer has no script"))
		return "", false
	}
	res, err := s.pipeline.Bind(r.Context(), reference)
	if err != nil {
		s.writeError(w, err)
		return "", false
	}
	return res.Location, true
}

// handleGetTimerScript returns the current content of the timer's script,
// bypassing the content cache like the timer itself.
func (s *Server) handleGetTimerScript(w http.ResponseWriter, r *http.Request) {
	location, ok := s.timerLocation(w, r)
	if !ok {
		return
	}
	body, err := s.pipeline.Fetch(r.Context(), location)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set(ScriptHeader, location)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handlePutTimerScript(w http.ResponseWriter, r *http.Request) {
	location, ok := s.timerLocation(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxPayload))
	if err != nil {
		s.writeErrorStatus(w, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
		return
	}
	if err := s.pipeline.Store(r.Context(), location, body); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"location": location, "bytes": len(body)})
}

type binding struct {
	ID       string `json:"id"`
	Location string `json:"location"`
}

func (s *Server) handleListBindings(w http.ResponseWriter, r *http.Request) {
	table, err := s.pipeline.Bindings(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, table)
}

func (s *Server) handleGetBinding(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	location, err := s.pipeline.Binding(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, binding{ID: id, Location: location})
}

func (s *Server) handlePutBinding(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body binding
	if err := s.decodeBody(w, r, &body); err != nil {
		s.writeErrorStatus(w, http.StatusBadRequest, fmt.Errorf("invalid binding: %w", err))
		return
	}
	if body.Location == "" {
		s.writeErrorStatus(w, http.StatusBadRequest, fmt.Errorf("location is required"))
		return
	}

	if err := s.pipeline.SetBinding(r.Context(), id, body.Location); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, binding{ID: id, Location: body.Location})
}

func (s *Server) handleDeleteBinding(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.RemoveBinding(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type cacheListing struct {
	Scripts   []string `json:"scripts"`
	Functions []string `json:"functions"`
}

func (s *Server) handleListCache(w http.ResponseWriter, _ *http.Request) {
	listing := cacheListing{Scripts: s.pipeline.Cached(), Functions: []string{}}
	if s.funcs != nil {
		listing.Functions = s.funcs.Identifiers()
	}
	s.writeJSON(w, http.StatusOK, listing)
}

func (s *Server) handleClearCache(w http.ResponseWriter, _ *http.Request) {
	cleared := map[string]int{"scripts": s.pipeline.InvalidateAll(), "functions": 0}
	if s.funcs != nil {
		cleared["functions"] = s.funcs.InvalidateAll()
	}
	s.logger.Info().Int("scripts", cleared["scripts"]).Int("functions", cleared["functions"]).Msg("caches cleared")
	s.writeJSON(w, http.StatusOK, cleared)
}

func (s *Server) handleInvalidateFunction(w http.ResponseWriter, r *http.Request) {
	if s.funcs == nil {
		http.NotFound(w, r)
		return
	}
	n := s.funcs.InvalidateIdentifier(r.PathValue("identifier"))
	s.writeJSON(w, http.StatusOK, map[string]int{"invalidated": n})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var failures []string
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			s.logger.Warn().Err(err).Str("check", name).Msg("health check failed")
			failures = append(failures, name+": "+err.Error())
		}
	}
	sort.Strings(failures)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if len(failures) > 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, "unhealthy\n"+strings.Join(failures, "\n")+"\n")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok\n")
}
