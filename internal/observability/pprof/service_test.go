package pprof

import (
	"context"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"lapse/pkg/logx"
)

func waitForAddr(ctx context.Context, s *Service) string {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if addr := s.Addr(); addr != "" {
			return addr
		}
		select {
		case <-ctx.Done():
			return ""
		case <-ticker.C:
		}
	}
}

func waitForHTTP(ctx context.Context, url string) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		reqCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, http.NoBody)
		if err != nil {
			cancel()
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		cancel()
		if err == nil && resp != nil {
			_ = resp.Body.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func TestReconfigureEnableDisable(t *testing.T) {
	svc := New(Config{}, logx.Nop())
	t.Cleanup(func() { svc.Stop(context.Background()) })

	prevMutex := runtime.SetMutexProfileFraction(-1)
	t.Cleanup(func() {
		// Profiling rates are process-global; restore them for later tests.
		runtime.SetMutexProfileFraction(prevMutex)
		runtime.SetBlockProfileRate(0)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := Config{
		Enabled:              true,
		Addr:                 "127.0.0.1:0",
		BlockProfileRate:     1,
		MutexProfileFraction: 7,
	}
	svc.Reconfigure(ctx, cfg)

	addr := waitForAddr(ctx, svc)
	if addr == "" {
		t.Fatal("server did not report a listen address")
	}
	if err := waitForHTTP(ctx, "http://"+addr+"/debug/pprof/"); err != nil {
		t.Fatalf("pprof endpoint not reachable: %v", err)
	}
	if got := runtime.SetMutexProfileFraction(-1); got != cfg.MutexProfileFraction {
		t.Fatalf("mutex profile fraction = %d, want %d", got, cfg.MutexProfileFraction)
	}

	svc.Reconfigure(ctx, Config{Enabled: false})
	if addr := svc.Addr(); addr != "" {
		t.Fatalf("server still bound to %s after disable", addr)
	}
}

func TestWithAuthToken(t *testing.T) {
	t.Parallel()
	svc := New(Config{}, logx.Nop())
	handler := svc.withAuth("sekrit", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	cases := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{name: "no credentials", want: http.StatusUnauthorized},
		{name: "bearer ok", header: "Bearer sekrit", want: http.StatusOK},
		{name: "bearer wrong", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "query ok", query: "sekrit", want: http.StatusOK},
		{name: "query wrong", query: "nope", want: http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			url := "/debug/pprof/"
			if tc.query != "" {
				url += "?token=" + tc.query
			}
			req := httptest.NewRequest(http.MethodGet, url, http.NoBody)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestNormalizePrefix(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want string
	}{
		{"", "/debug/pprof/"},
		{"/debug/pprof", "/debug/pprof/"},
		{"debug/pprof/", "/debug/pprof/"},
		{"/ops/prof/", "/ops/prof/"},
	}
	for _, tc := range cases {
		if got := normalizePrefix(tc.in); got != tc.want {
			t.Fatalf("normalizePrefix(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:6060", true},
		{"localhost:6060", true},
		{"[::1]:6060", true},
		{"0.0.0.0:6060", false},
		{":6060", false},
		{"192.168.1.5:6060", false},
		{"no-port", false},
	}
	for _, tc := range cases {
		if got := isLoopbackAddr(tc.addr); got != tc.want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"disabled anything goes", Config{Addr: "not-an-addr"}, false},
		{"loopback no token", Config{Enabled: true, Addr: "127.0.0.1:6060"}, false},
		{"public no token", Config{Enabled: true, Addr: "0.0.0.0:6060"}, true},
		{"public with token", Config{Enabled: true, Addr: "0.0.0.0:6060", Token: "s3cret"}, false},
		{"public opted in", Config{Enabled: true, Addr: "0.0.0.0:6060", AllowInsecure: true}, false},
		{"bad addr", Config{Enabled: true, Addr: "nope"}, true},
		{"negative rate", Config{BlockProfileRate: -1}, true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}
