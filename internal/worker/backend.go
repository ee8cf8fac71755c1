package worker

// backend.go — the render backend bridge: spawns the rendering engine as a
// headless subprocess and speaks the framed JSON protocol in proto over a
// private loopback socket.
//
// Architecture
// ────────────
//
//  ┌───────────────────────────────┐
//  │ Backend                       │
//  │  ┌──────────────┐             │
//  │  │ render engine│◄── loopback │
//  │  │  subprocess  │    TCP conn │
//  │  └──────────────┘             │
//  │         ▲                     │
//  │   render gate (mu) serialises │
//  │   every Render call           │
//  └───────────────────────────────┘
//
// The listener is opened before the subprocess is started: the backend
// bootstrap script is handed the listener's port as its one positional
// argument, dials back, and from then on the worker service drives it
// request-by-request. Only one request may be outstanding at a time — the
// mutex is held for the full round trip, so render calls from different
// connections never interleave on the wire. The one capability query is
// issued from Spawn before any client connects; client queries are answered
// from the cached record and never reach the backend.

import (
	"fmt"
	"log"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/holfeld/brsp/internal/proto"
)

// Backend owns the loopback connection to one render-engine subprocess and
// the render gate that serialises requests against it.
type Backend struct {
	mu   sync.Mutex // the render gate; held for a full request/response round trip
	conn net.Conn
	cmd  *exec.Cmd

	cached proto.QueryResponse
}

// Spawn opens a loopback listener, starts the render engine with scriptPath
// as its bootstrap script and the listener's port as its sole positional
// argument, and blocks until the subprocess connects back. It then issues
// one query to cache the backend's capability record, retrying up to
// queryRetries times in case the backend needs a moment after connecting
// before it can answer.
func Spawn(blenderPath, scriptPath string, bootstrapTimeout time.Duration, queryRetries int) (*Backend, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen for render backend: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	cmd := exec.Command(blenderPath, "--background", "--python", scriptPath, "--", strconv.Itoa(port))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		ln.Close()
		return nil, fmt.Errorf("start render backend: %w", err)
	}

	if err := ln.(*net.TCPListener).SetDeadline(time.Now().Add(bootstrapTimeout)); err != nil {
		ln.Close()
		cmd.Process.Kill()
		return nil, err
	}
	conn, err := ln.Accept()
	ln.Close()
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, fmt.Errorf("render backend did not connect back: %w", err)
	}

	b := &Backend{conn: conn, cmd: cmd}

	var cached proto.QueryResponse
	for attempt := 1; ; attempt++ {
		cached, err = b.query()
		if err == nil {
			break
		}
		if attempt > queryRetries {
			b.destroy()
			return nil, fmt.Errorf("query render backend: %w", err)
		}
		log.Printf("render backend query attempt %d failed: %v; retrying", attempt, err)
	}
	b.cached = cached

	log.Printf("render backend ready: version %d.%d.%d, device type %s",
		cached.Version[0], cached.Version[1], cached.Version[2], cached.ComputeDeviceType)

	return b, nil
}

// Capabilities returns the capability record cached at Spawn time.
func (b *Backend) Capabilities() proto.QueryResponse {
	return b.cached
}

// query asks the backend for its capability record. It does not take mu;
// it is used only from Spawn, before any client traffic exists.
func (b *Backend) query() (proto.QueryResponse, error) {
	if err := proto.WriteJSON(b.conn, proto.BrpyQueryRequest{Type: proto.BrpyRequestQuery}); err != nil {
		return proto.QueryResponse{}, err
	}
	var resp proto.QueryResponse
	if err := proto.ReadJSON(b.conn, &resp); err != nil {
		return proto.QueryResponse{}, err
	}
	return resp, nil
}

// Render acquires the render gate, sends one BrpyRenderRequest, and returns
// the backend's single framed response. Exactly one render may be in flight
// against the backend at any time; callers outside the gate make progress
// independently (uploads, queries).
func (b *Backend) Render(blend string, frame uint64, output string) (proto.BrpyRenderResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	req := proto.BrpyRenderRequest{
		Type:   proto.BrpyRequestRender,
		Blend:  blend,
		Frame:  frame,
		Output: output,
	}
	if err := proto.WriteJSON(b.conn, req); err != nil {
		return proto.BrpyRenderResponse{}, fmt.Errorf("send render request: %w", err)
	}

	var resp proto.BrpyRenderResponse
	if err := proto.ReadJSON(b.conn, &resp); err != nil {
		return proto.BrpyRenderResponse{}, fmt.Errorf("read render response: %w", err)
	}
	return resp, nil
}

// destroy kills the backend process and its process group, then closes the
// loopback connection. Best-effort; called from Spawn when the initial
// capability query fails.
func (b *Backend) destroy() {
	if b.cmd != nil && b.cmd.Process != nil {
		pid := b.cmd.Process.Pid
		if pgid, err := syscall.Getpgid(pid); err == nil && pgid > 0 {
			syscall.Kill(-pgid, syscall.SIGKILL)
		} else {
			syscall.Kill(pid, syscall.SIGKILL)
		}
		b.cmd.Wait()
	}
	if b.conn != nil {
		b.conn.Close()
	}
}
