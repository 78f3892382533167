package hub

import (
	"context"
	"embed"
	"encoding/json"
	"io/fs"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/errors"
)

const DefaultShutdownTimeout = 5 * time.Second

//go:embed web
var webFS embed.FS

type HTTPOptions struct {
	Listen          string
	StaticDir       string // empty means embedded page
	ShutdownTimeout time.Duration
}

type Health struct {
	Device      string `json:"device"`
	Remote      string `json:"remote,omitempty"`
	Queue       int    `json:"queue"`
	Subscribers int    `json:"subscribers"`
}

func (h *Hub) Health() Health {
	hs := Health{
		Device:      "unknown",
		Queue:       h.queue.Len(),
		Subscribers: h.Count(),
	}
	if h.status != nil {
		hs.Device, hs.Remote = h.status()
	}
	return hs
}

func (h *Hub) Router(staticDir string) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", h.ServeWS).Methods("GET")
	r.HandleFunc("/healthz", h.serveHealth).Methods("GET")
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler()).Methods("GET")
	}
	r.PathPrefix("/").Handler(http.FileServer(staticFS(staticDir))).Methods("GET", "HEAD")
	return r
}

// ListenAndServe blocks until ctx is done or listen fails.
func (h *Hub) ListenAndServe(ctx context.Context, opt HTTPOptions) error {
	ln, err := net.Listen("tcp", opt.Listen)
	if err != nil {
		return errors.Annotatef(err, "http listen=%s", opt.Listen)
	}
	return h.Serve(ctx, ln, opt)
}

func (h *Hub) Serve(ctx context.Context, ln net.Listener, opt HTTPOptions) error {
	if opt.ShutdownTimeout == 0 {
		opt.ShutdownTimeout = DefaultShutdownTimeout
	}
	srv := &http.Server{
		Handler:           h.Router(opt.StaticDir),
		ReadHeaderTimeout: 10 * time.Second,
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
			return
		}
		sctx, cancel := context.WithTimeout(context.Background(), opt.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			h.log.Errorf("hub: http shutdown err=%v", err)
		}
	}()

	h.log.Infof("hub: http listen=%s", ln.Addr())
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return errors.Annotate(err, "http serve")
}

func (h *Hub) serveHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.Health()); err != nil {
		h.log.Errorf("hub: healthz err=%v", err)
	}
}

func staticFS(dir string) http.FileSystem {
	if dir != "" {
		return http.Dir(dir)
	}
	sub, err := fs.Sub(webFS, "web")
	if err != nil {
		panic("code error embedded web: " + err.Error())
	}
	return http.FS(sub)
}
