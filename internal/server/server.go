// Package server exposes a read-only HTTP API over a node's store.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/dhtcore/internal/ir"
	"github.com/roach88/dhtcore/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Store *store.Store
	// Agent is reported by /status. Optional.
	Agent  ir.AgentKey
	Logger *slog.Logger
}

type apiErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiError struct {
	Body apiErrorBody `json:"error"`
}

// StatusResponse is the /status payload.
type StatusResponse struct {
	Agent ir.AgentKey `json:"agent,omitempty"`
	store.Status
}

type api struct {
	store *store.Store
	agent ir.AgentKey
	log   *slog.Logger
}

// New returns an HTTP handler exposing the read API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Store == nil {
		return nil, errors.New("server: store is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default().With("component", "server")
	}
	a := &api{store: cfg.Store, agent: cfg.Agent, log: log}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	router.Get("/status", a.status)
	router.Get("/records/{hash}", a.record)
	router.Get("/entries/{hash}", a.entry)
	router.Get("/links/{base}", a.links)
	router.Get("/agents/{agent}/activity", a.activity)
	router.Get("/ops/{hash}", a.op)
	return router, nil
}

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	st, err := a.store.Status(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Agent: a.agent, Status: st})
}

func (a *api) record(w http.ResponseWriter, r *http.Request) {
	rec, err := a.store.GetRecord(r.Context(), ir.ActionHash(chi.URLParam(r, "hash")))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *api) entry(w http.ResponseWriter, r *http.Request) {
	e, err := a.store.GetEntry(r.Context(), ir.EntryHash(chi.URLParam(r, "hash")))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// links accepts optional zome and type query parameters.
func (a *api) links(w http.ResponseWriter, r *http.Request) {
	q := store.LinkQuery{Base: ir.AnyHash(chi.URLParam(r, "base"))}
	var err error
	if q.ZomeIndex, err = uint8Param(r, "zome"); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if q.LinkType, err = uint8Param(r, "type"); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	links, err := a.store.GetLinks(r.Context(), q)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, links)
}

func (a *api) activity(w http.ResponseWriter, r *http.Request) {
	agent := ir.AgentKey(chi.URLParam(r, "agent"))
	if err := agent.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	actions, err := a.store.AgentActivity(r.Context(), agent)
	if err != nil {
		a.fail(w, err)
		return
	}
	if actions == nil {
		actions = []ir.SignedAction{}
	}
	writeJSON(w, http.StatusOK, actions)
}

type opResponse struct {
	Hash   ir.OpHash           `json:"hash"`
	Status ir.ValidationStatus `json:"status"`
}

func (a *api) op(w http.ResponseWriter, r *http.Request) {
	hash := ir.OpHash(chi.URLParam(r, "hash"))
	status, err := a.store.OpStatus(r.Context(), hash)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, opResponse{Hash: hash, Status: status})
}

func (a *api) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	a.log.Error("read api request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal", "internal error")
}

func uint8Param(r *http.Request, name string) (*uint8, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.ParseUint(raw, 10, 8)
	if err != nil {
		return nil, errors.New("query parameter " + name + " must be 0-255")
	}
	v := uint8(n)
	return &v, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{Body: apiErrorBody{Code: code, Message: message}})
}
