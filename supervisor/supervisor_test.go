// Copyright 2026 The Corral Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"
)

func TestStickyIndexIsStable(t *testing.T) {
	for _, n := range []int{1, 2, 4, 8} {
		index := stickyIndex("203.0.113.7", n)
		if index < 0 || index >= n {
			t.Fatalf("stickyIndex out of range: %d of %d", index, n)
		}
		for j := 0; j < 100; j++ {
			if stickyIndex("203.0.113.7", n) != index {
				t.Fatalf("stickyIndex not stable for n=%d", n)
			}
		}
	}
}

func TestStickyIndexSpreadsHosts(t *testing.T) {
	// Sequential addresses in one subnet must not all map to the
	// same worker.
	const workers = 4
	seen := make(map[int]bool)
	for i := 0; i < 64; i++ {
		seen[stickyIndex(fmt.Sprintf("10.0.0.%d", i), workers)] = true
	}
	if len(seen) < workers {
		t.Errorf("64 sequential hosts hit only %d of %d workers", len(seen), workers)
	}
}

// echoBackend answers every line with its own name prefixed.
func echoBackend(t *testing.T, name string) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("backend listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				scanner := bufio.NewScanner(conn)
				for scanner.Scan() {
					fmt.Fprintf(conn, "%s:%s\n", name, scanner.Text())
				}
			}()
		}
	}()
	return listener.Addr().String()
}

func TestFrontProxiesToPickedBackend(t *testing.T) {
	backend := echoBackend(t, "worker-0")

	front, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("front listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	picked := make(chan string, 16)
	go func() {
		defer wg.Done()
		serveFront(ctx, front, func(host string) string {
			picked <- host
			return backend
		}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	}()

	conn, err := net.Dial("tcp", front.Addr().String())
	if err != nil {
		t.Fatalf("dial front: %v", err)
	}
	defer conn.Close()

	fmt.Fprintln(conn, "hello")
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if line != "worker-0:hello\n" {
		t.Errorf("echo = %q", line)
	}

	host := <-picked
	if host != "127.0.0.1" {
		t.Errorf("picked host = %q, want the client host", host)
	}

	cancel()
	conn.Close()
	wg.Wait()
}

func TestFrontStopsOnCancel(t *testing.T) {
	front, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("front listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serveFront(ctx, front, func(string) string { return "" }, slog.New(slog.NewTextHandler(io.Discard, nil)))
	}()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serveFront returned %v on cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serveFront did not stop on cancel")
	}
}

func TestNewDefaults(t *testing.T) {
	s, err := New(Config{BasePort: 9100, ListenAddr: "127.0.0.1:9000"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.workers < 1 {
		t.Errorf("workers = %d", s.workers)
	}
	if s.workerAddr(2) != "127.0.0.1:9102" {
		t.Errorf("workerAddr(2) = %s", s.workerAddr(2))
	}
	if _, err := New(Config{ListenAddr: "127.0.0.1:9000"}); err == nil {
		t.Error("missing BasePort accepted")
	}
}
