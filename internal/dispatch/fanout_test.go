package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holfeld/brsp/internal/proto"
)

// mockWorker accepts render requests on an ephemeral loopback port and
// answers each with a small text payload tagged as png after a random delay, emulating
// the jitter real workers exhibit under load.
func mockWorker(t *testing.T, seenFrames *sync.Map) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				for {
					var req proto.RenderRequest
					if err := proto.ReadJSON(conn, &req); err != nil {
						return
					}
					seenFrames.Store(req.Frame, true)
					time.Sleep(time.Duration(rand.Intn(20)) * time.Millisecond)
					payload := []byte(fmt.Sprintf("frame-%d", req.Frame))
					proto.WriteJSON(conn, proto.RenderResponse{
						Type: proto.RespOkay, Size: uint64(len(payload)), Extension: "png",
					})
					conn.Write(payload)
				}
			}(conn)
		}
	}()

	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestRenderFanoutExclusivity(t *testing.T) {
	var seenFrames sync.Map
	addr1 := mockWorker(t, &seenFrames)
	addr2 := mockWorker(t, &seenFrames)

	frames, err := ParseFrameSet("1..10")
	require.NoError(t, err)
	pool := NewPool(frames)

	outDir := t.TempDir()
	failed := RenderFanout([]string{addr1, addr2}, "scene-A", pool, outDir)
	assert.Equal(t, 0, failed)

	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Len(t, entries, 10)

	for _, f := range frames {
		name := fmt.Sprintf("%04d.png", f)
		_, err := os.Stat(filepath.Join(outDir, name))
		assert.NoError(t, err, "expected %s to exist", name)
	}

	count := 0
	seenFrames.Range(func(_, _ any) bool { count++; return true })
	assert.Equal(t, 10, count)
}

// mockFailingWorker fails every render for frames in failFrames but
// otherwise behaves like mockWorker, to exercise RenderFanout's failure
// counting.
func mockFailingWorker(t *testing.T, failFrames map[uint64]bool) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var req proto.RenderRequest
			if err := proto.ReadJSON(conn, &req); err != nil {
				return
			}
			if failFrames[req.Frame] {
				proto.WriteJSON(conn, proto.RenderResponse{Type: proto.RespFail})
				continue
			}
			payload := []byte(fmt.Sprintf("frame-%d", req.Frame))
			proto.WriteJSON(conn, proto.RenderResponse{
				Type: proto.RespOkay, Size: uint64(len(payload)), Extension: "png",
			})
			conn.Write(payload)
		}
	}()

	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestRenderFanoutCountsBackendFailures(t *testing.T) {
	addr := mockFailingWorker(t, map[uint64]bool{2: true, 4: true})

	frames, err := ParseFrameSet("1..5")
	require.NoError(t, err)
	pool := NewPool(frames)

	outDir := t.TempDir()
	failed := RenderFanout([]string{addr}, "scene-A", pool, outDir)
	assert.Equal(t, 2, failed)

	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestParseAddrsDefaultsPort(t *testing.T) {
	addrs := ParseAddrs("127.0.0.1,10.0.0.5:9000, 127.0.0.1:21816 ")
	assert.Equal(t, []string{"127.0.0.1:21816", "10.0.0.5:9000", "127.0.0.1:21816"}, addrs)
}

// mockUploadWorker accepts exactly one upload and records the bytes it saw.
func mockUploadWorker(t *testing.T, got *[]byte) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		raw, err := proto.ReadFrame(conn)
		if err != nil {
			return
		}
		var req proto.UploadRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return
		}
		blend := make([]byte, req.Size)
		if _, err := io.ReadFull(conn, blend); err != nil {
			return
		}
		*got = blend
		proto.WriteJSON(conn, proto.UploadResponse{Type: proto.RespOkay})
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestUploadFanoutBroadcasts(t *testing.T) {
	var got1, got2 []byte
	addr1 := mockUploadWorker(t, &got1)
	addr2 := mockUploadWorker(t, &got2)

	content := bytes.Repeat([]byte{0xAB}, 32)
	errs := UploadFanout([]string{addr1, addr2}, "scene-A", content)
	for _, err := range errs {
		assert.NoError(t, err)
	}

	// Give the goroutines a moment to persist their local copy.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, content, got1)
	assert.Equal(t, content, got2)
}
