// Package api is the dispatcher's HTTP ingress: control write and
// operation submission, table-change notifications and the health and
// metrics endpoints.
package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edgectl/dispatcher/internal/dispatcher"
	"github.com/edgectl/dispatcher/internal/metrics"
	"github.com/edgectl/dispatcher/internal/pipeline"
)

type handler struct {
	log *slog.Logger

	svc *dispatcher.Service
	mgr *pipeline.Manager
}

func NewRouter(svc *dispatcher.Service, mgr *pipeline.Manager, met *metrics.Metrics, log *slog.Logger) http.Handler {
	h := handler{
		log: log,

		svc: svc,
		mgr: mgr,
	}

	r := mux.NewRouter()

	r.HandleFunc("/healthz", h.healthz).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(met.Registry(), promhttp.HandlerOpts{})).Methods("GET")

	r.HandleFunc("/dispatch/write", h.write).Methods("POST")
	r.HandleFunc("/dispatch/operation", h.operation).Methods("POST")

	r.HandleFunc("/dispatch/table/insert/{table}", h.tableInsert).Methods("POST")
	r.HandleFunc("/dispatch/table/update/{table}", h.tableUpdate).Methods("POST")
	r.HandleFunc("/dispatch/table/delete/{table}", h.tableDelete).Methods("POST")

	r.Use(Recovery(log), RequestLogging(log))

	return r
}

func (*handler) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}
