package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/nwvm/host"
)

// ScriptServer is the remote control service wrapping a running runtime.
// It serves both gRPC (binary protobuf) and Connect (HTTP/JSON) on the
// same port.
type ScriptServer struct {
	worker  *host.Worker
	handles *HandleStore
	mux     *http.ServeMux
	log     commonlog.Logger

	stopSweeper func()
}

// ServerOption configures a ScriptServer.
type ServerOption func(*serverConfig)

type serverConfig struct {
	store         *host.SQLiteProvider
	sweepInterval time.Duration
	handleTTL     time.Duration
}

// WithScriptStore enables PutScript, storing uploaded scripts in p.
func WithScriptStore(p *host.SQLiteProvider) ServerOption {
	return func(c *serverConfig) { c.store = p }
}

// WithHandleTTL sets how long detached situations are held without use,
// and how often they are swept.
func WithHandleTTL(ttl, interval time.Duration) ServerOption {
	return func(c *serverConfig) {
		c.handleTTL = ttl
		c.sweepInterval = interval
	}
}

// New creates a ScriptServer over worker. The server owns the worker from
// then on and stops it in Stop.
func New(worker *host.Worker, opts ...ServerOption) *ScriptServer {
	cfg := &serverConfig{
		sweepInterval: 5 * time.Minute,
		handleTTL:     30 * time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	handles := NewHandleStore(worker)
	s := &ScriptServer{
		worker:  worker,
		handles: handles,
		mux:     http.NewServeMux(),
		log:     commonlog.GetLogger("nwvm.server"),
	}

	svc := NewScriptService(worker, handles, cfg.store)
	path, handler := NewScriptServiceHandler(svc)
	s.mux.Handle(path, handler)

	s.stopSweeper = handles.StartSweeper(cfg.sweepInterval, cfg.handleTTL)
	return s
}

// Handler returns the HTTP handler of the server.
func (s *ScriptServer) Handler() http.Handler { return s.mux }

// Handles returns the store of detached situations.
func (s *ScriptServer) Handles() *HandleStore { return s.handles }

// HTTPServer returns an http.Server for addr that accepts HTTP/1.1 and
// cleartext HTTP/2, the latter for gRPC clients.
func (s *ScriptServer) HTTPServer(addr string) *http.Server {
	var protocols http.Protocols
	protocols.SetHTTP1(true)
	protocols.SetUnencryptedHTTP2(true)
	return &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		Protocols:         &protocols,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ListenAndServe starts the HTTP server on the given address.
// The address should be in the form "host:port" or ":port".
func (s *ScriptServer) ListenAndServe(addr string) error {
	fmt.Printf("nwvm script server listening on %s\n", addr)
	fmt.Printf("  Connect (HTTP/JSON): http://%s%s\n", addr, ExecuteProcedure)
	fmt.Printf("  gRPC (binary):       grpc://%s\n", addr)
	return s.HTTPServer(addr).ListenAndServe()
}

// Stop shuts down the server, discarding detached situations.
func (s *ScriptServer) Stop() {
	if s.stopSweeper != nil {
		s.stopSweeper()
	}
	s.worker.Stop()
	if n := s.handles.ReleaseAll(); n > 0 {
		s.log.Infof("discarded %d detached situations", n)
	}
}
