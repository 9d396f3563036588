package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/michaelbrown/kiln/internal/catalog"
	"github.com/michaelbrown/kiln/internal/dispatch"
	"github.com/michaelbrown/kiln/internal/sandbox"
	"github.com/michaelbrown/kiln/internal/storage"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	return dec.Decode(v)
}

// --- Execution handlers ---

type executeRequest struct {
	Program string `json:"program"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Program) == "" {
		writeError(w, http.StatusBadRequest, "program is required")
		return
	}

	id, res := s.execute(r.Context(), req.Program)
	writeJSON(w, http.StatusOK, envelope(id, res))
}

// execute runs program as a tracked run and records it in history.
func (s *Server) execute(ctx context.Context, program string) (string, *sandbox.Result) {
	id := uuid.New().String()
	ctx, done := s.runs.Start(ctx, id, program)
	defer done()
	res := s.engine.Execute(ctx, program)
	done()
	s.record(id, program, res)
	return id, res
}

func (s *Server) record(id, program string, res *sandbox.Result) {
	if s.store == nil {
		return
	}
	// The request context may already be gone for cancelled runs.
	if err := s.store.SaveExecution(context.Background(), storage.FromResult(id, program, res)); err != nil {
		s.logger.Error("saving execution",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
	}
}

func envelope(id string, res *sandbox.Result) map[string]any {
	env := res.Envelope()
	env["id"] = id
	if res.Output != "" {
		env["output"] = res.Output
	}
	return env
}

// --- Tool handlers ---

type callRequest struct {
	Call string `json:"call"`
	Tool string `json:"tool"`
	Args []any  `json:"args"`
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	var (
		result any
		err    error
	)
	switch {
	case req.Call != "":
		result, err = s.dispatcher.CallString(r.Context(), req.Call)
	case req.Tool != "":
		result, err = s.dispatcher.Call(r.Context(), req.Tool, numbersToValues(req.Args)...)
	default:
		writeError(w, http.StatusBadRequest, "call or tool is required")
		return
	}
	if err != nil {
		writeError(w, dispatchStatus(err), err.Error())
		return
	}

	if res, ok := result.(*mcp.CallToolResult); ok {
		if msg, failed := dispatch.ErrorText(res); failed {
			writeError(w, http.StatusOK, msg)
			return
		}
		result = replyText(res)
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func dispatchStatus(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrToolNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusBadRequest
	}
}

// replyText joins the text blocks of a reply that did not decode as JSON.
func replyText(res *mcp.CallToolResult) string {
	var buf bytes.Buffer
	for _, c := range res.Content {
		if text, ok := dispatch.TextOf(c); ok {
			buf.WriteString(text)
		}
	}
	return buf.String()
}

// numbersToValues turns json.Number into int64 or float64 so tool
// payloads keep the integer/float distinction.
func numbersToValues(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = numberToValue(a)
	}
	return out
}

func numberToValue(v any) any {
	switch v := v.(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		f, _ := v.Float64()
		return f
	case []any:
		return numbersToValues(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = numberToValue(e)
		}
		return out
	default:
		return v
	}
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	tools := s.dispatcher.Catalog().Tools(serverFilter(r)...)
	if tools == nil {
		tools = []*catalog.Descriptor{}
	}
	writeJSON(w, http.StatusOK, tools)
}

func (s *Server) handleDescribeTools(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(s.dispatcher.Catalog().Describe(serverFilter(r)...) + "\n"))
}

func serverFilter(r *http.Request) []string {
	raw := r.URL.Query().Get("servers")
	if raw == "" {
		return nil
	}
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// --- History handlers ---

func (s *Server) historyEnabled(w http.ResponseWriter) bool {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "execution history is disabled")
		return false
	}
	return true
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	if !s.historyEnabled(w) {
		return
	}
	opts := storage.ExecutionListOptions{}

	if status := r.URL.Query().Get("status"); status != "" {
		opts.Status = sandbox.Status(status)
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			opts.Limit = n
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			opts.Offset = n
		}
	}

	execs, err := s.store.ListExecutions(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if execs == nil {
		execs = []storage.Execution{}
	}
	writeJSON(w, http.StatusOK, execs)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	if !s.historyEnabled(w) {
		return
	}
	id := chi.URLParam(r, "id")
	e, err := s.store.GetExecution(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	if r.URL.Query().Get("format") == "markdown" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(storage.ExportMarkdown(e)))
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleDeleteExecution(w http.ResponseWriter, r *http.Request) {
	if !s.historyEnabled(w) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteExecution(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

// --- Run handlers ---

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runs.List())
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	if !s.runs.Cancel(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"tools":  s.dispatcher.Catalog().Len(),
		"runs":   s.runs.Len(),
	})
}
