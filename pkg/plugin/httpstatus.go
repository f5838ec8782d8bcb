package plugin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// StatsFunc supplies the live counters an HTTPStatusPlugin reports. It is
// injected by the caller rather than imported, so this package stays free
// of any dependency on the rest of skald.
type StatsFunc func() map[string]any

// HTTPStatusPlugin is a minimal concrete Plugin: a single auxiliary HTTP
// port serving a JSON health document at /status. Unlike the command
// port's inline `Status: status` reply, this endpoint is reachable by
// ordinary HTTP tooling (curl, a load balancer health check) without
// speaking skald's own wire protocol.
type HTTPStatusPlugin struct {
	BasePlugin
	addr  string
	stats StatsFunc
}

// NewHTTPStatusPlugin constructs an HTTPStatusPlugin listening on addr.
// stats may be nil, in which case the endpoint reports a bare "ok".
func NewHTTPStatusPlugin(addr string, stats StatsFunc) *HTTPStatusPlugin {
	return &HTTPStatusPlugin{BasePlugin: NewBasePlugin("http_status"), addr: addr, stats: stats}
}

func (p *HTTPStatusPlugin) AuxiliaryPorts() []AuxPort {
	return []AuxPort{{
		Name:    "http_status",
		Address: p.addr,
		Serve:   p.serve,
	}}
}

func (p *HTTPStatusPlugin) serve(ctx context.Context, address string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", p.handleStatus)
	srv := &http.Server{Addr: address, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (p *HTTPStatusPlugin) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body := map[string]any{"status": "ok"}
	if p.stats != nil {
		body = p.stats()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}
