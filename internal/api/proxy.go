package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/1sec-project/reqguard/internal/guard"
)

// Proxy is the guarded front: every request passes the guard middleware and
// is then forwarded to the upstream application.
type Proxy struct {
	server *http.Server
	logger zerolog.Logger
}

// NewProxy creates a reverse proxy to upstream wrapped by g.
func NewProxy(listen, upstream string, g *guard.Guard, logger zerolog.Logger) (*Proxy, error) {
	target, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("parsing upstream %q: %w", upstream, err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("upstream %q must be an absolute URL", upstream)
	}

	p := &Proxy{logger: logger.With().Str("component", "proxy").Logger()}

	rp := httputil.NewSingleHostReverseProxy(target)
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		p.logger.Error().Err(err).Str("path", r.URL.Path).Msg("upstream request failed")
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "upstream unavailable"})
	}

	p.server = &http.Server{
		Addr:              listen,
		Handler:           g.Middleware(rp),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return p, nil
}

// Handler returns the guarded proxy handler.
func (p *Proxy) Handler() http.Handler { return p.server.Handler }

// Start begins serving in the background.
func (p *Proxy) Start() error {
	p.logger.Info().Str("addr", p.server.Addr).Msg("guarded proxy starting")
	go func() {
		if err := p.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			p.logger.Error().Err(err).Msg("proxy server error")
		}
	}()
	return nil
}

// Stop gracefully shuts the proxy down.
func (p *Proxy) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.server.Shutdown(ctx)
}
