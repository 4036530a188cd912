package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"loyalty-engine/pkg/config"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ProvideHTTPServer = fx.Module("http.server",
	fx.Provide(NewHttpServer),
	fx.Invoke(Run),
)

var errNoCertificate = errors.New("no TLS certificate loaded")

// Server serves the API. With TLS enabled the key pair is re-read whenever
// the files change on disk.
type Server struct {
	server   *http.Server
	listener net.Listener

	certMu   sync.RWMutex
	cert     *tls.Certificate
	certPath string
	keyPath  string

	stopWatch chan struct{}
}

type Params struct {
	fx.In
	Config  *config.Config
	Handler http.Handler
}

func NewHttpServer(p Params) (*Server, error) {
	cfg := p.Config
	srv := &Server{
		server: &http.Server{
			Addr:         ":" + cfg.Server.Addr,
			Handler:      p.Handler,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
		certPath:  cfg.TLS.CertPath,
		keyPath:   cfg.TLS.KeyPath,
		stopWatch: make(chan struct{}),
	}

	if cfg.TLS.Enable {
		if err := srv.loadCert(); err != nil {
			return nil, fmt.Errorf("load TLS key pair: %w", err)
		}
		srv.server.TLSConfig = &tls.Config{
			MinVersion:     tls.VersionTLS12,
			GetCertificate: srv.certificate,
		}
	}

	return srv, nil
}

// Addr is the bound address once Start has returned.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.server.Addr
	}
	return s.listener.Addr().String()
}

// Start binds the port synchronously so a taken port fails startup, then
// serves in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.server.Addr, err)
	}
	s.listener = ln

	if s.server.TLSConfig != nil {
		go s.watchCert()
		ln = tls.NewListener(ln, s.server.TLSConfig)
	}

	zap.L().Info("starting HTTP server", zap.String("addr", s.Addr()), zap.Bool("tls", s.server.TLSConfig != nil))
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Error("http server stopped", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	zap.L().Info("shutting down HTTP server gracefully")
	close(s.stopWatch)
	return s.server.Shutdown(ctx)
}

func (s *Server) certificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	s.certMu.RLock()
	defer s.certMu.RUnlock()
	if s.cert == nil {
		return nil, errNoCertificate
	}
	return s.cert, nil
}

func (s *Server) loadCert() error {
	cert, err := tls.LoadX509KeyPair(s.certPath, s.keyPath)
	if err != nil {
		return err
	}
	s.certMu.Lock()
	s.cert = &cert
	s.certMu.Unlock()
	return nil
}

// watchCert keeps serving the previous pair when a rotated one fails to load.
func (s *Server) watchCert() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		zap.L().Error("failed to create fsnotify watcher", zap.Error(err))
		return
	}
	defer watcher.Close()

	for _, path := range []string{s.certPath, s.keyPath} {
		if err := watcher.Add(path); err != nil {
			zap.L().Warn("cannot watch TLS file", zap.String("path", path), zap.Error(err))
		}
	}

	for {
		select {
		case <-s.stopWatch:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := s.loadCert(); err != nil {
				zap.L().Error("failed to reload TLS key pair", zap.Error(err))
				continue
			}
			zap.L().Info("TLS certificate reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			zap.L().Error("TLS watcher error", zap.Error(err))
		}
	}
}

func Run(lc fx.Lifecycle, srv *Server) {
	lc.Append(fx.Hook{
		OnStart: srv.Start,
		OnStop:  srv.Stop,
	})
}
