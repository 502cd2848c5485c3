package main

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-multierror"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/grafana/retrace/pkg/iter"
	"github.com/grafana/retrace/pkg/symbolizer"
	"github.com/grafana/retrace/pkg/util"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const maxRequestSize = 64 << 20

type keyLister interface {
	Keys(ctx context.Context) ([]string, error)
}

type api struct {
	logger log.Logger
	sym    *symbolizer.Symbolizer
	keys   keyLister
}

type retraceRequest struct {
	Traces [][]string `json:"traces"`
}

type retraceResponse struct {
	Traces [][]string `json:"traces"`
	Errors []string   `json:"errors,omitempty"`
}

func newHandler(logger log.Logger, sym *symbolizer.Symbolizer, keys keyLister, gatherer prometheus.Gatherer) http.Handler {
	a := &api{logger: logger, sym: sym, keys: keys}

	r := mux.NewRouter()
	r.HandleFunc("/ready", a.ready).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/mappings", a.listMappings).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/mappings/{mapping:.+}", a.uploadMapping).Methods(http.MethodPut, http.MethodPost)
	r.HandleFunc("/api/v1/retrace/{mapping:.+}", a.retrace).Methods(http.MethodPost)

	r.Use(util.RecoveryHTTPMiddleware)
	return r
}

func (a *api) ready(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, "ready\n")
}

func (a *api) listMappings(w http.ResponseWriter, r *http.Request) {
	keys, err := a.keys.Keys(r.Context())
	if err != nil {
		a.error(w, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	a.writeJSON(w, http.StatusOK, map[string][]string{"mappings": keys})
}

func (a *api) uploadMapping(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["mapping"]
	if err := a.sym.Upload(r.Context(), key, http.MaxBytesReader(w, r.Body, maxRequestSize)); err != nil {
		a.error(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) retrace(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["mapping"]
	body := http.MaxBytesReader(w, r.Body, maxRequestSize)

	asJSON := isJSON(r.Header.Get("Content-Type"))
	var req retraceRequest
	if asJSON {
		if err := json.NewDecoder(body).Decode(&req); err != nil {
			http.Error(w, "invalid request: "+err.Error(), http.StatusBadRequest)
			return
		}
	} else {
		lines, err := iter.Slice(iter.NewLineIterator(body))
		if err != nil {
			http.Error(w, "invalid request: "+err.Error(), http.StatusBadRequest)
			return
		}
		req.Traces = [][]string{lines}
	}

	retracer, err := a.sym.Retracer(r.Context(), key)
	if err != nil {
		a.error(w, err)
		return
	}
	out, err := a.sym.RetraceBatch(r.Context(), retracer, req.Traces)
	if out == nil && err != nil {
		a.error(w, err)
		return
	}

	if asJSON {
		resp := retraceResponse{Traces: out}
		var merr *multierror.Error
		if errors.As(err, &merr) {
			for _, e := range merr.Errors {
				resp.Errors = append(resp.Errors, e.Error())
			}
		}
		a.writeJSON(w, http.StatusOK, resp)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, line := range out[0] {
		_, _ = io.WriteString(w, line+"\n")
	}
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && strings.EqualFold(mediaType, "application/json")
}

func (a *api) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		level.Warn(a.logger).Log("msg", "failed to write response", "err", err)
	}
}

func (a *api) error(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, symbolizer.ErrMappingNotFound):
		status = http.StatusNotFound
	case errors.Is(err, symbolizer.ErrInvalidMappingKey):
		status = http.StatusBadRequest
	case errors.Is(err, context.Canceled):
		status = 499
	default:
		level.Error(a.logger).Log("msg", "request failed", "err", err)
	}
	http.Error(w, err.Error(), status)
}
