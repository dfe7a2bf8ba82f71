package rest

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/scturtle/usblink/pkg/dataconn"
	"github.com/scturtle/usblink/pkg/meta"

	// add pprof endpoint
	_ "net/http/pprof"
)

// StatusSource is satisfied by *dataconn.Server.
type StatusSource interface {
	Status() dataconn.Status
}

type Server struct {
	source  StatusSource
	metrics *Metrics
}

func NewServer(source StatusSource, metrics *Metrics) *Server {
	return &Server{
		source:  source,
		metrics: metrics,
	}
}

func (s *Server) GetStatus(rw http.ResponseWriter, req *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(rw).Encode(s.source.Status()); err != nil {
		logrus.WithError(err).Warn("Failed to write status response")
	}
}

func (s *Server) GetVersion(rw http.ResponseWriter, req *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(rw).Encode(meta.GetVersion()); err != nil {
		logrus.WithError(err).Warn("Failed to write version response")
	}
}

func NewRouter(s *Server) *mux.Router {
	router := mux.NewRouter().StrictSlash(true)

	router.Methods("GET").Path("/ping").Handler(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.Write([]byte("pong"))
	}))
	router.Methods("GET").Path("/v1/status").HandlerFunc(s.GetStatus)
	router.Methods("GET").Path("/v1/version").HandlerFunc(s.GetVersion)
	if s.metrics != nil {
		router.Methods("GET").Path("/metrics").Handler(promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	}

	router.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)

	return router
}
