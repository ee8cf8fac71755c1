// mockblender stands in for the real rendering engine in integration tests.
// It speaks exactly the loopback protocol brspd expects: dial back to the
// port given as the last positional argument, then answer query/render
// requests with canned data instead of doing any real rendering.
package main

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"log"
	"net"
	"os"
	"strconv"
)

type queryRequest struct {
	Type string `json:"type"`
}

type renderRequest struct {
	Type   string `json:"type"`
	Blend  string `json:"blend"`
	Frame  uint64 `json:"frame"`
	Output string `json:"output"`
}

type devices struct {
	Active   []string `json:"active"`
	Inactive []string `json:"inactive"`
}

type queryResponse struct {
	Version           [3]uint8 `json:"version"`
	ComputeDeviceType string   `json:"compute_device_type"`
	Devices           devices  `json:"devices"`
}

type renderResponse struct {
	Type  string `json:"type"`
	Image string `json:"image,omitempty"`
}

// failFrame is a magic frame number the test suite uses to force a render
// failure without needing a second mock binary.
const failFrame = 999

func main() {
	port := os.Args[len(os.Args)-1]
	conn, err := net.Dial("tcp", "127.0.0.1:"+port)
	if err != nil {
		log.Fatalf("mockblender: dial %s: %v", port, err)
	}
	defer conn.Close()

	for {
		raw, err := readFrame(conn)
		if err != nil {
			return
		}
		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			return
		}

		switch env.Type {
		case "query":
			writeJSON(conn, queryResponse{
				Version:           [3]uint8{4, 1, 0},
				ComputeDeviceType: "CPU",
				Devices:           devices{Active: []string{"CPU"}, Inactive: []string{"CUDA:0"}},
			})
		case "render":
			var req renderRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				return
			}
			if req.Frame == failFrame {
				writeJSON(conn, renderResponse{Type: "fail"})
				continue
			}
			outPath := req.Output + ".png"
			if err := os.WriteFile(outPath, []byte("fake-png-frame-"+strconv.FormatUint(req.Frame, 10)), 0o644); err != nil {
				writeJSON(conn, renderResponse{Type: "fail"})
				continue
			}
			writeJSON(conn, renderResponse{Type: "okay", Image: outPath})
		default:
			return
		}
	}
}

func readFrame(r io.Reader) ([]byte, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint16(header[:])
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func writeJSON(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var header [2]byte
	binary.LittleEndian.PutUint16(header[:], uint16(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}
