// Package proto defines the wire codec and message shapes shared by the
// worker service and its clients, plus the loopback protocol the worker
// service speaks to its render backend.
//
// Every client-facing message is a length-prefixed JSON header; a handful of
// request/response shapes are followed by a raw binary blob whose length is
// itself a field of the JSON (scene bytes on upload, image bytes on render).
// The codec only frames the header — callers read or write the trailing blob
// directly against the stream, immediately after the header, with no
// separate boundary of its own.
package proto

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// maxFrameLen is the largest JSON header the 2-byte length prefix can carry.
const maxFrameLen = 1<<16 - 1

// ErrPayloadTooLarge is returned by WriteFrame when the payload does not fit
// in the 16-bit length prefix.
type ErrPayloadTooLarge struct {
	Len int
}

func (e ErrPayloadTooLarge) Error() string {
	return fmt.Sprintf("payload too large: %d bytes exceeds %d byte limit", e.Len, maxFrameLen)
}

// ErrShortRead is returned by ReadFrame when the stream ends before the
// declared length is satisfied.
type ErrShortRead struct {
	Want, Got int
}

func (e ErrShortRead) Error() string {
	return fmt.Sprintf("short read: wanted %d bytes, got %d", e.Want, e.Got)
}

// WriteFrame writes payload to w preceded by its length as a 2-byte
// little-endian unsigned integer.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFrameLen {
		return ErrPayloadTooLarge{Len: len(payload)}
	}
	hdr := make([]byte, 2)
	binary.LittleEndian.PutUint16(hdr, uint16(len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads a single length-prefixed payload from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	hdr := make([]byte, 2)
	if got, err := io.ReadFull(r, hdr); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, ErrShortRead{Want: 2, Got: got}
		}
		return nil, err
	}
	n := binary.LittleEndian.Uint16(hdr)
	if n == 0 {
		return []byte{}, nil
	}
	payload := make([]byte, n)
	got, err := io.ReadFull(r, payload)
	if err != nil {
		return nil, ErrShortRead{Want: int(n), Got: got}
	}
	return payload, nil
}

// WriteJSON marshals v and frames it with WriteFrame.
func WriteJSON(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return WriteFrame(w, data)
}

// ReadJSON reads one frame from r and unmarshals it into v.
func ReadJSON(r io.Reader, v any) error {
	data, err := ReadFrame(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// ─── Client ↔ worker-service messages ────────────────────────────────────────

// Request types, tagged by "type" (lowercase, matching the wire protocol).
const (
	ReqUpload = "upload"
	ReqRender = "render"
	ReqQuery  = "query"
	ReqDelete = "delete"
)

// Request is the envelope every client message is decoded into first, so the
// "type" tag can be inspected before re-decoding into the concrete shape.
type Request struct {
	Type string `json:"type"`
}

// UploadRequest precedes exactly Size bytes of scene data on the wire.
type UploadRequest struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Size uint64 `json:"size"`
}

// RenderRequest asks the service to render one frame of a previously
// uploaded scene.
type RenderRequest struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Frame uint64 `json:"frame"`
}

// DeleteRequest asks the service to forget a scene and its files.
type DeleteRequest struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// UploadResponse is the reply to an UploadRequest.
type UploadResponse struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

const (
	RespOkay = "okay"
	RespFail = "fail"
)

// RenderResponse is the reply to a RenderRequest. On RespOkay it precedes
// exactly Size bytes of image data.
type RenderResponse struct {
	Type      string `json:"type"`
	Size      uint64 `json:"size,omitempty"`
	Extension string `json:"extension,omitempty"`
}

// Devices lists the render backend's compute devices by activation state.
type Devices struct {
	Active   []string `json:"active"`
	Inactive []string `json:"inactive"`
}

// QueryResponse is the capability record the service caches at startup and
// replays verbatim to every client query.
type QueryResponse struct {
	Version           [3]uint8 `json:"version"`
	ComputeDeviceType string   `json:"compute_device_type"`
	Devices           Devices  `json:"devices"`
}

// DeleteResponse is the reply to a DeleteRequest.
type DeleteResponse struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// ─── Worker-service ↔ render backend messages (loopback only) ───────────────

const (
	BrpyRequestRender = "render"
	BrpyRequestQuery  = "query"
)

// BrpyRenderRequest is sent to the render backend to produce one frame.
// Output is a path with no extension; the backend appends its own.
type BrpyRenderRequest struct {
	Type   string `json:"type"`
	Blend  string `json:"blend"`
	Frame  uint64 `json:"frame"`
	Output string `json:"output"`
}

// BrpyQueryRequest asks the backend for its capability record.
type BrpyQueryRequest struct {
	Type string `json:"type"`
}

// BrpyRenderResponse is the backend's reply to a render request.
type BrpyRenderResponse struct {
	Type  string `json:"type"`
	Image string `json:"image,omitempty"`
}
