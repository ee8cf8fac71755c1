// brsp – the client driver for a brspd render farm.
//
// Usage:
//
//	brsp upload <ips> <id> <blend-path>
//	brsp render <ips> <output-dir> <id> <frames>
//	brsp query <ips>
//	brsp delete <ips> <id>
//
// <ips> is a comma-separated list of worker addresses; an address without a
// port defaults to 21816. <frames> is a comma-separated list of terms, each
// either N or N..M (inclusive).
package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/holfeld/brsp/internal/dispatch"
	"github.com/holfeld/brsp/internal/proto"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "upload":
		cmdUpload()
	case "render":
		cmdRender()
	case "query":
		cmdQuery()
	case "delete":
		cmdDelete()
	default:
		fmt.Fprintf(os.Stderr, "brsp: unknown command %q\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `brsp – drive a brspd render farm

  upload <ips> <id> <blend-path>          upload a scene to every worker
  render <ips> <output-dir> <id> <frames> render frames, fanned out across workers
  query <ips>                             print each worker's capability record
  delete <ips> <id>                       remove a scene from every worker`)
}

func cmdUpload() {
	if len(os.Args) < 5 {
		fmt.Fprintln(os.Stderr, "usage: brsp upload <ips> <id> <blend-path>")
		os.Exit(1)
	}
	addrs := dispatch.ParseAddrs(os.Args[2])
	id := os.Args[3]
	blendPath := os.Args[4]

	blend, err := os.ReadFile(blendPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "brsp: %v\n", err)
		os.Exit(1)
	}

	errs := dispatch.UploadFanout(addrs, id, blend)
	fail := false
	for i, err := range errs {
		if err != nil {
			fmt.Fprintf(os.Stderr, "brsp: upload to %s failed: %v\n", addrs[i], err)
			fail = true
			continue
		}
		fmt.Printf("uploaded to %s\n", addrs[i])
	}
	if fail {
		os.Exit(1)
	}
}

func cmdRender() {
	if len(os.Args) < 6 {
		fmt.Fprintln(os.Stderr, "usage: brsp render <ips> <output-dir> <id> <frames>")
		os.Exit(1)
	}
	addrs := dispatch.ParseAddrs(os.Args[2])
	outDir := os.Args[3]
	id := os.Args[4]
	frameSpec := os.Args[5]

	frames, err := dispatch.ParseFrameSet(frameSpec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "brsp: %v\n", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "brsp: %v\n", err)
		os.Exit(1)
	}

	pool := dispatch.NewPool(frames)
	failed := dispatch.RenderFanout(addrs, id, pool, outDir)

	if remaining := pool.Len(); remaining > 0 {
		fmt.Fprintf(os.Stderr, "brsp: %d frame(s) were not rendered (all workers stopped)\n", remaining)
		os.Exit(1)
	}
	if failed > 0 {
		fmt.Fprintf(os.Stderr, "brsp: %d of %d frame(s) failed to render\n", failed, len(frames))
		os.Exit(1)
	}
	fmt.Printf("rendered %d frame(s) into %s\n", len(frames), outDir)
}

func cmdQuery() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: brsp query <ips>")
		os.Exit(1)
	}
	addrs := dispatch.ParseAddrs(os.Args[2])
	errs := dispatch.QueryFanout(addrs, os.Stdout)
	fail := false
	for i, err := range errs {
		if err != nil {
			fmt.Fprintf(os.Stderr, "brsp: query %s failed: %v\n", addrs[i], err)
			fail = true
		}
	}
	if fail {
		os.Exit(1)
	}
}

func cmdDelete() {
	if len(os.Args) < 4 {
		fmt.Fprintln(os.Stderr, "usage: brsp delete <ips> <id>")
		os.Exit(1)
	}
	addrs := dispatch.ParseAddrs(os.Args[2])
	id := os.Args[3]

	fail := false
	for _, addr := range addrs {
		if err := deleteOne(addr, id); err != nil {
			fmt.Fprintf(os.Stderr, "brsp: delete on %s failed: %v\n", addr, err)
			fail = true
			continue
		}
		fmt.Printf("deleted on %s\n", addr)
	}
	if fail {
		os.Exit(1)
	}
}

func deleteOne(addr, id string) error {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := proto.WriteJSON(conn, proto.DeleteRequest{Type: proto.ReqDelete, ID: id}); err != nil {
		return err
	}
	var resp proto.DeleteResponse
	if err := proto.ReadJSON(conn, &resp); err != nil {
		return err
	}
	if resp.Type != proto.RespOkay {
		return fmt.Errorf("%s", resp.Message)
	}
	return nil
}
