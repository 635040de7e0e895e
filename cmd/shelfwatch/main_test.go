package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRun_Usage(t *testing.T) {
	t.Parallel()

	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var out bytes.Buffer
		if err := run(context.Background(), &out, io.Discard, args); err != nil {
			t.Errorf("run(%v) error: %v", args, err)
		}
		if !strings.Contains(out.String(), "Usage: shelfwatch") {
			t.Errorf("run(%v) output missing usage: %s", args, out.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command"},
		{"unknown flag", []string{"-x"}, "unknown flag"},
		{"bad output format", []string{"-o", "yaml", "version"}, "unknown output format"},
		{"missing config", []string{"-config", "/nonexistent/config.yaml", "serve"}, "config file not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := run(context.Background(), io.Discard, io.Discard, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("run(%v) error = %v, want %q", tt.args, err, tt.want)
			}
		})
	}
}

func TestRun_Version(t *testing.T) {
	t.Parallel()

	var text bytes.Buffer
	if err := run(context.Background(), &text, io.Discard, []string{"version"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(text.String(), "go_version:") {
		t.Errorf("text version output: %s", text.String())
	}

	var js bytes.Buffer
	if err := run(context.Background(), &js, io.Discard, []string{"-o=json", "version"}); err != nil {
		t.Fatal(err)
	}
	var info map[string]string
	if err := json.Unmarshal(js.Bytes(), &info); err != nil {
		t.Fatalf("json version output: %v\n%s", err, js.String())
	}
	if info["version"] == "" {
		t.Errorf("version missing: %v", info)
	}
}

func TestRun_ServeUntilCancelled(t *testing.T) {
	t.Parallel()

	var polls atomic.Int32
	store := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"proximity1":{"value":12},"proximity2":{"value":80}}`)
	}))
	defer store.Close()

	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	cfg := fmt.Sprintf("unit_id: \"7\"\nsnapshot:\n  base_url: %s\n  interval_sec: 3600\nlisten:\n  port: 0\n", store.URL)
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, out, io.Discard, []string{"-config", cfgPath, "serve"})
	}()

	deadline := time.Now().Add(3 * time.Second)
	for !strings.Contains(out.String(), "occupancy changed") {
		if time.Now().After(deadline) {
			t.Fatalf("no occupancy change logged:\n%s", out.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}

	logs := out.String()
	if !strings.Contains(logs, "slot1_occupied=true") || !strings.Contains(logs, "slot2_occupied=false") {
		t.Errorf("unexpected occupancy log:\n%s", logs)
	}
	if !strings.Contains(logs, "Shelfwatch stopped") {
		t.Errorf("missing shutdown log:\n%s", logs)
	}
	if polls.Load() < 1 {
		t.Error("snapshot endpoint never polled")
	}
}
