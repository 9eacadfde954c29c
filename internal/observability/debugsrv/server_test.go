package debugsrv

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	rtsup "sitewatch/internal/runtime/supervisor"
	logx "sitewatch/pkg/logx"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
		want error
	}{
		{"disabled", Config{Addr: "0.0.0.0:6060"}, nil},
		{"default loopback", Config{Enabled: true}, nil},
		{"localhost", Config{Enabled: true, Addr: "localhost:1"}, nil},
		{"ipv6 loopback", Config{Enabled: true, Addr: "[::1]:1"}, nil},
		{"public no token", Config{Enabled: true, Addr: "0.0.0.0:6060"}, ErrInsecureBind},
		{"all interfaces", Config{Enabled: true, Addr: ":6060"}, ErrInsecureBind},
		{"public with token", Config{Enabled: true, Addr: "0.0.0.0:6060", Token: "t"}, nil},
		{"public allowed", Config{Enabled: true, Addr: "0.0.0.0:6060", AllowInsecure: true}, nil},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := tt.cfg.Validate(); !errors.Is(err, tt.want) {
				t.Fatalf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func waitAddr(t *testing.T, s *Server) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if a := s.Addr(); a != "" {
			return a
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server did not start")
	return ""
}

func get(t *testing.T, url, bearer string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestServerServesWithToken(t *testing.T) {
	t.Parallel()

	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("sitewatch_up 1\n"))
	})
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0", Token: "secret"}, metrics, logx.Nop())
	s.SetTasks(func() []rtsup.TaskStats { return []rtsup.TaskStats{{Name: "poller", Active: 1}} })
	ctx := context.Background()
	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0", Token: "secret"})
	defer s.Stop(ctx)

	base := "http://" + waitAddr(t, s)

	if code, body := get(t, base+"/healthz", ""); code != http.StatusOK || body != "ok" {
		t.Fatalf("/healthz = %d %q", code, body)
	}
	if code, _ := get(t, base+"/metrics", ""); code != http.StatusUnauthorized {
		t.Fatalf("/metrics without token = %d", code)
	}
	if code, _ := get(t, base+"/metrics", "wrong"); code != http.StatusUnauthorized {
		t.Fatalf("/metrics with wrong token = %d", code)
	}
	if code, body := get(t, base+"/metrics", "secret"); code != http.StatusOK || body != "sitewatch_up 1\n" {
		t.Fatalf("/metrics = %d %q", code, body)
	}
	if code, body := get(t, base+"/debug/tasks", "secret"); code != http.StatusOK || !strings.Contains(body, `"name": "poller"`) {
		t.Fatalf("/debug/tasks = %d %q", code, body)
	}
	if code, _ := get(t, base+"/debug/pprof/cmdline?token=secret", ""); code != http.StatusOK {
		t.Fatalf("pprof cmdline = %d", code)
	}
}

func TestServerReconfigureDisable(t *testing.T) {
	t.Parallel()

	s := New(Config{}, nil, logx.Nop())
	ctx := context.Background()

	s.Start(ctx)
	if s.Addr() != "" {
		t.Fatalf("disabled server started")
	}

	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	addr := waitAddr(t, s)
	if code, _ := get(t, "http://"+addr+"/metrics", ""); code != http.StatusNotFound {
		t.Fatalf("/metrics without handler = %d", code)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s.Reconfigure(stopCtx, Config{Enabled: false})
	if s.Addr() != "" {
		t.Fatalf("server still serving after disable")
	}
}
