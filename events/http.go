package events

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/guseggert/flowcluster/manager"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxEventBytes = 1 << 20

// Snapshotter exposes the cluster bookkeeping for inspection.
type Snapshotter interface {
	Snapshot() manager.Snapshot
}

// Receiver accepts event notifications from the workflow engine over HTTP.
type Receiver struct {
	log        *zap.SugaredLogger
	dispatcher *Dispatcher
	registry   Snapshotter
	gatherer   prometheus.Gatherer
	listenAddr string
	tlsConfig  *tls.Config

	httpServer *http.Server
}

type ReceiverOption func(r *Receiver)

func WithListenAddr(s string) ReceiverOption {
	return func(r *Receiver) {
		r.listenAddr = s
	}
}

// WithTLSConfig serves over TLS. Use ServerTLSConfig to require client certificates.
func WithTLSConfig(c *tls.Config) ReceiverOption {
	return func(r *Receiver) {
		r.tlsConfig = c
	}
}

func WithGatherer(g prometheus.Gatherer) ReceiverOption {
	return func(r *Receiver) {
		r.gatherer = g
	}
}

func WithRegistry(s Snapshotter) ReceiverOption {
	return func(r *Receiver) {
		r.registry = s
	}
}

func NewReceiver(log *zap.SugaredLogger, d *Dispatcher, opts ...ReceiverOption) *Receiver {
	r := &Receiver{
		log:        log.Named("http_receiver"),
		dispatcher: d,
		gatherer:   prometheus.DefaultGatherer,
		listenAddr: "0.0.0.0:8090",
	}
	for _, o := range opts {
		o(r)
	}
	r.httpServer = &http.Server{
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return r
}

// Handler returns the receiver's routes.
func (r *Receiver) Handler() http.Handler {
	router := httprouter.New()
	router.POST("/events", r.postEvent)
	router.GET("/clusters", r.clusters)
	router.GET("/healthz", r.healthz)
	router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
	return router
}

// Run serves until Stop is called.
func (r *Receiver) Run() error {
	listener, err := net.Listen("tcp", r.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	if r.tlsConfig != nil {
		listener = tls.NewListener(listener, r.tlsConfig)
	}

	r.log.Infof("listening on %s (tls: %t)", listener.Addr(), r.tlsConfig != nil)
	err = r.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts the server down. Run returns immediately if it is called afterwards.
func (r *Receiver) Stop(ctx context.Context) error {
	return r.httpServer.Shutdown(ctx)
}

func (r *Receiver) postEvent(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	b, err := io.ReadAll(io.LimitReader(req.Body, maxEventBytes))
	if err != nil {
		http.Error(w, fmt.Sprintf("reading body: %s", err), http.StatusBadRequest)
		return
	}
	ev, err := DecodeEvent(b)
	if err != nil {
		r.log.Warnf("rejecting event: %s", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	r.log.Debugw("received event", "id", ev.ID, "type", ev.Type, "flow", ev.Flow.String())
	if !r.dispatcher.Dispatch(ev) {
		writeJSON(w, http.StatusOK, map[string]any{"id": ev.ID, "duplicate": true})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": ev.ID})
}

func (r *Receiver) clusters(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	if r.registry == nil {
		http.Error(w, "no registry", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, r.registry.Snapshot())
}

func (r *Receiver) healthz(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
