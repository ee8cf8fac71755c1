package dispatch

// fanout.go — the client-side driver: one goroutine per worker address,
// popping frames from a shared Pool until it is empty, plus the upload and
// query broadcasts that do not need a pool at all.

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/term"

	"github.com/holfeld/brsp/internal/proto"
)

// DefaultWorkerPort is used when a worker address in the comma-separated
// list has no explicit port.
const DefaultWorkerPort = 21816

// ParseAddrs splits a comma-separated address list, filling in
// DefaultWorkerPort for any entry that omits one.
func ParseAddrs(ips string) []string {
	var addrs []string
	for _, a := range strings.Split(ips, ",") {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(a); err != nil {
			a = fmt.Sprintf("%s:%d", a, DefaultWorkerPort)
		}
		addrs = append(addrs, a)
	}
	return addrs
}

// RenderFanout starts one goroutine per address, each popping frames from
// pool until it is exhausted, rendering each one through its worker and
// writing the image to outDir/<frame:04d>.<ext>. A worker that fails to
// connect, or that errors mid-run, simply stops draining the pool; the
// others continue independently. It returns the number of frames that were
// popped from the pool but never produced an output file, whether because
// the backend reported a failure or because the worker's connection died.
func RenderFanout(addrs []string, id string, pool *Pool, outDir string) int {
	var wg sync.WaitGroup
	var failed int64
	for _, addr := range addrs {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			n := renderWorker(addr, id, pool, outDir)
			atomic.AddInt64(&failed, int64(n))
		}(addr)
	}
	wg.Wait()
	return int(atomic.LoadInt64(&failed))
}

// renderWorker drains pool through one worker connection and returns the
// number of frames it popped but could not deliver.
func renderWorker(addr, id string, pool *Pool, outDir string) int {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "brsp: %s: %v\n", addr, err)
		return 0
	}
	defer conn.Close()

	failed := 0
	for {
		frame, ok := pool.Pop()
		if !ok {
			return failed
		}

		if err := proto.WriteJSON(conn, proto.RenderRequest{Type: proto.ReqRender, ID: id, Frame: frame}); err != nil {
			fmt.Fprintf(os.Stderr, "brsp: %s: frame %d: %v\n", addr, frame, err)
			return failed + 1
		}

		var resp proto.RenderResponse
		if err := proto.ReadJSON(conn, &resp); err != nil {
			fmt.Fprintf(os.Stderr, "brsp: %s: frame %d: %v\n", addr, frame, err)
			return failed + 1
		}
		if resp.Type != proto.RespOkay {
			fmt.Fprintf(os.Stderr, "brsp: %s: frame %d: render failed\n", addr, frame)
			failed++
			continue
		}

		image := make([]byte, resp.Size)
		if _, err := io.ReadFull(conn, image); err != nil {
			fmt.Fprintf(os.Stderr, "brsp: %s: frame %d: %v\n", addr, frame, err)
			return failed + 1
		}

		name := fmt.Sprintf("%04d.%s", frame, resp.Extension)
		if err := os.WriteFile(filepath.Join(outDir, name), image, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "brsp: %s: frame %d: write %s: %v\n", addr, frame, name, err)
			return failed + 1
		}
	}
}

// UploadFanout broadcasts one pre-built upload (header + scene bytes) to
// every address in parallel; each worker persists its own copy.
func UploadFanout(addrs []string, id string, blend []byte) []error {
	errs := make([]error, len(addrs))
	var wg sync.WaitGroup
	for i, addr := range addrs {
		wg.Add(1)
		go func(i int, addr string) {
			defer wg.Done()
			errs[i] = uploadOne(addr, id, blend)
		}(i, addr)
	}
	wg.Wait()
	return errs
}

func uploadOne(addr, id string, blend []byte) error {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("%s: %w", addr, err)
	}
	defer conn.Close()

	if err := proto.WriteJSON(conn, proto.UploadRequest{Type: proto.ReqUpload, ID: id, Size: uint64(len(blend))}); err != nil {
		return fmt.Errorf("%s: %w", addr, err)
	}
	if _, err := conn.Write(blend); err != nil {
		return fmt.Errorf("%s: %w", addr, err)
	}

	var resp proto.UploadResponse
	if err := proto.ReadJSON(conn, &resp); err != nil {
		return fmt.Errorf("%s: %w", addr, err)
	}
	if resp.Type != proto.RespOkay {
		return fmt.Errorf("%s: upload failed: %s", addr, resp.Message)
	}
	return nil
}

// QueryFanout broadcasts a Query to every address and pretty-prints each
// worker's capability record to w. Each record starts with a divider line
// as wide as the terminal, capped at 60 columns; device names are printed
// one per line and are not wrapped.
func QueryFanout(addrs []string, w io.Writer) []error {
	width := terminalWidth()
	errs := make([]error, len(addrs))
	for i, addr := range addrs {
		errs[i] = queryOne(addr, w, width)
	}
	return errs
}

func queryOne(addr string, w io.Writer, width int) error {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("%s: %w", addr, err)
	}
	defer conn.Close()

	if err := proto.WriteJSON(conn, proto.Request{Type: proto.ReqQuery}); err != nil {
		return fmt.Errorf("%s: %w", addr, err)
	}
	var resp proto.QueryResponse
	if err := proto.ReadJSON(conn, &resp); err != nil {
		return fmt.Errorf("%s: %w", addr, err)
	}

	fmt.Fprintf(w, "%s\n", strings.Repeat("-", min(width, 60)))
	fmt.Fprintf(w, "Worker:  %s\n", addr)
	fmt.Fprintf(w, "Blender version: %d.%d.%d\n", resp.Version[0], resp.Version[1], resp.Version[2])
	fmt.Fprintf(w, "Compute device type: %s\n", resp.ComputeDeviceType)
	fmt.Fprintln(w, "Active:")
	for _, d := range resp.Devices.Active {
		fmt.Fprintf(w, "  %s\n", d)
	}
	fmt.Fprintln(w, "Inactive:")
	for _, d := range resp.Devices.Inactive {
		fmt.Fprintf(w, "  %s\n", d)
	}
	return nil
}

// terminalWidth returns the current stdout width, or a sane fallback when
// stdout is not a terminal (e.g. piped output in tests or CI).
func terminalWidth() int {
	if width, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && width > 0 {
		return width
	}
	return 80
}
