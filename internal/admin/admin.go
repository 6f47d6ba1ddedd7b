// Package admin serves the operational HTTP surface (metrics, liveness,
// readiness) that runs alongside the replication gRPC server.
package admin

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type handler struct {
	promHandler http.Handler
	ready       *atomic.Bool
}

// NewServer returns an initialized *http.Server listening on addr. ready is
// owned by the caller, which flips it to true when it considers itself ready
// (the repliq binaries do so once their servers or supervisor are started);
// /ready reports 503 until then.
func NewServer(addr string, ready *atomic.Bool) *http.Server {
	h := &handler{
		promHandler: promhttp.Handler(),
		ready:       ready,
	}
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 15 * time.Second,
	}
}

func (h *handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.URL.Path {
	case "/metrics":
		h.promHandler.ServeHTTP(w, req)
	case "/ping":
		w.Write([]byte("pong\n"))
	case "/ready":
		h.serveReady(w)
	default:
		http.NotFound(w, req)
	}
}

func (h *handler) serveReady(w http.ResponseWriter) {
	if h.ready != nil && !h.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready\n"))
		return
	}
	w.Write([]byte("ok\n"))
}
