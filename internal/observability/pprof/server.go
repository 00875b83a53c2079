package pprof

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	logx "lapse/pkg/logx"
)

// serveOnce binds the listener and serves until ctx ends or the server
// fails. A clean exit outside shutdown is reported as an error so the
// restart loop brings the server back.
func (s *Service) serveOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	cur := s.cfg
	log := s.log
	s.mu.Unlock()

	if !cur.Enabled {
		return context.Canceled
	}

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = "127.0.0.1:6060"
	}

	if exposed := cur.Token == "" && !isLoopbackAddr(addr); exposed {
		if !cur.AllowInsecure {
			log.Error("pprof bind rejected: non-loopback addr without token", logx.String("addr", addr))
			return errors.New("pprof: insecure bind rejected")
		}
		log.Warn("pprof exposed on non-loopback addr without token", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("pprof listen failed", logx.String("addr", addr), logx.Err(err))
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	defer func() { _ = ln.Close() }()

	prefix := normalizePrefix(cur.Prefix)
	srv := &http.Server{
		Handler:      s.routes(cur, prefix),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
	}
	defer func() { _ = srv.Close() }()

	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()

	// Bounded shutdown on cancel; Stop owns the real graceful path.
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	bound := ln.Addr().String()
	log.Info("pprof started",
		logx.String("addr", bound),
		logx.String("prefix", prefix),
		logx.Bool("token_set", cur.Token != ""),
		logx.String("hint", fmt.Sprintf("http://%s%s", bound, prefix)))

	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
		s.ln = nil
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	switch {
	case stopping || ctx.Err() != nil:
		return context.Canceled
	case err == nil, errors.Is(err, http.ErrServerClosed):
		// Serve returned without an external stop: force a restart.
		return errors.New("pprof: server stopped unexpectedly")
	default:
		return err
	}
}

func (s *Service) routes(cur Config, prefix string) *http.ServeMux {
	guard := func(h http.HandlerFunc) http.HandlerFunc { return s.withAuth(cur.Token, h) }
	base := strings.TrimSuffix(prefix, "/")

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", guard(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	mux.HandleFunc(prefix, guard(indexAt(prefix)))
	for path, h := range map[string]http.HandlerFunc{
		base + "/cmdline": hpprof.Cmdline,
		base + "/profile": hpprof.Profile,
		base + "/symbol":  hpprof.Symbol,
		base + "/trace":   hpprof.Trace,
	} {
		mux.HandleFunc(path, guard(h))
	}
	// Bare prefix without the trailing slash redirects to canonical form.
	mux.HandleFunc(base, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, prefix, http.StatusPermanentRedirect)
	})
	return mux
}

// withAuth gates h behind the token, accepted as either
// "Authorization: Bearer <token>" or "?token=<token>".
func (s *Service) withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	want := strings.TrimSpace(token)
	if want == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if requestToken(r) == want {
			h(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
}

// requestToken pulls the client's token from the query string or, when
// no query token is present, from a Bearer header.
func requestToken(r *http.Request) string {
	if q := r.URL.Query().Get("token"); q != "" {
		return q
	}
	const scheme = "Bearer "
	if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, scheme) {
		return strings.TrimSpace(strings.TrimPrefix(ah, scheme))
	}
	return ""
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		return "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// indexAt adapts hpprof.Index, which assumes it is rooted at
// /debug/pprof/, to a custom prefix by rewriting the request path.
func indexAt(prefix string) http.HandlerFunc {
	canon := normalizePrefix(prefix)
	return func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + strings.TrimPrefix(r.URL.Path, canon)
		hpprof.Index(w, r2)
	}
}

// isLoopbackAddr reports whether a host:port addr names a loopback
// interface. An empty host means all interfaces, which is not loopback.
func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	switch host = strings.TrimSpace(host); {
	case host == "":
		return false
	case strings.EqualFold(host, "localhost"):
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
