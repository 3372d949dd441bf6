package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/petervdpas/voicemesh/internal/metrics"
	"github.com/petervdpas/voicemesh/internal/relaybus"
)

// RelayHandler serves a relay hub on /ws and its metrics on /metrics.
// The returned hub is owned by the caller.
func RelayHandler(m *metrics.Metrics) (http.Handler, *relaybus.Hub) {
	hub := relaybus.NewHub(m)
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.Handle("/metrics", m.Handler())
	return mux, hub
}

// ServeRelay runs a relay hub on addr until ctx is done.
func ServeRelay(ctx context.Context, addr string) error {
	m := metrics.New(true)
	h, hub := RelayHandler(m)
	defer hub.Close()

	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Infof("APP: relay hub on ws://%s/ws", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
