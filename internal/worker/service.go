// Package worker implements the worker-node service: the TCP server that
// accepts clients, stores scenes under a content-addressed anonymous
// directory, and drives a single render backend through the render gate.
package worker

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/holfeld/brsp/internal/proto"
)

// Service is the worker-node daemon. It owns the scene directory tree and
// the single render backend every session shares through the render gate.
type Service struct {
	workDir string
	backend *Backend

	mu         sync.Mutex
	sceneLocks map[uint64]*sync.RWMutex
}

// New creates a Service rooted at workDir, fronted by backend. Every scene
// path is built by joining workDir with anonymous/...; a relative workDir is
// therefore resolved against the process's current directory.
func New(workDir string, backend *Backend) *Service {
	return &Service{
		workDir:    workDir,
		backend:    backend,
		sceneLocks: make(map[uint64]*sync.RWMutex),
	}
}

// EnsureLayout creates anonymous/ under workDir, tolerating AlreadyExists.
func (s *Service) EnsureLayout() error {
	return ensureDir(filepath.Join(s.workDir, "anonymous"))
}

// Listen binds the worker service's well-known port, falling back to an
// ephemeral port if it is unavailable, and logs whichever port was bound.
func Listen(port int) (net.Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("[::]:%d", port))
	if err != nil {
		ln, err = net.Listen("tcp", "[::]:0")
		if err != nil {
			return nil, fmt.Errorf("bind ephemeral port: %w", err)
		}
	}
	log.Printf("Listening on port %d", ln.Addr().(*net.TCPAddr).Port)
	return ln, nil
}

// Serve accepts connections on ln indefinitely, handling each on its own
// goroutine. It returns nil when ln is closed.
func (s *Service) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return nil
		}
		go s.handleConn(conn)
	}
}

// session tracks per-connection state: whether it has ever completed a
// request. Before the first success, a read error gets a louder log line
// since it's as likely a genuine protocol violation as a stray probe; after,
// the same error just means the client has gone away. Either way only this
// connection's handler ends — never the service.
type session struct {
	conn        net.Conn
	initialized bool
}

func (s *Service) handleConn(conn net.Conn) {
	defer conn.Close()
	sess := &session{conn: conn}

	for {
		raw, err := proto.ReadFrame(conn)
		if err != nil {
			s.onFrameError(sess, err)
			return
		}

		var env proto.Request
		if err := json.Unmarshal(raw, &env); err != nil {
			s.onFrameError(sess, fmt.Errorf("bad request JSON: %w", err))
			return
		}

		switch env.Type {
		case proto.ReqUpload:
			sess.initialized = true
			var req proto.UploadRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				s.onFrameError(sess, fmt.Errorf("bad upload request: %w", err))
				return
			}
			s.handleUpload(conn, req)
			return // one-shot: session closes after upload

		case proto.ReqQuery:
			sess.initialized = true
			s.handleQuery(conn)

		case proto.ReqRender:
			sess.initialized = true
			var req proto.RenderRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				s.onFrameError(sess, fmt.Errorf("bad render request: %w", err))
				return
			}
			if !s.handleRender(conn, req) {
				return // I/O error reading or sending the image: fatal to the session only
			}

		case proto.ReqDelete:
			sess.initialized = true
			var req proto.DeleteRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				s.onFrameError(sess, fmt.Errorf("bad delete request: %w", err))
				return
			}
			s.handleDelete(conn, req)

		default:
			s.onFrameError(sess, fmt.Errorf("unrecognised request type %q", env.Type))
			return
		}
	}
}

// onFrameError logs a framing or JSON error and ends this connection's
// handler. A connection that never completed a request gets a louder,
// still non-fatal log line: it may be a genuine protocol violation, but it
// is just as likely a bare TCP probe (a load balancer health check, a port
// scan) that never intended to send a request at all, and one bad
// connection must never take the rest of the service down with it.
func (s *Service) onFrameError(sess *session, err error) {
	if err == io.EOF {
		if sess.initialized {
			log.Printf("Client disconnected")
		} else {
			log.Printf("connection closed before sending a complete request")
		}
		return
	}
	if sess.initialized {
		log.Printf("Client disconnected: %v", err)
		return
	}
	log.Printf("protocol violation on new connection: %v", err)
}

// handleUpload reads the scene blob off the wire, persists it under the
// scene's fingerprint directory, and replies Okay or Fail. The session
// always closes afterward. The scene lock is held for the write so a
// concurrent Delete of the same scene can't race it.
func (s *Service) handleUpload(conn net.Conn, req proto.UploadRequest) {
	blend := make([]byte, req.Size)
	if _, err := io.ReadFull(conn, blend); err != nil {
		// Any I/O error other than the header/JSON framing itself is fatal
		// to this session only, not the service.
		log.Printf("upload %q: failed to read scene body: %v", req.ID, err)
		return
	}

	fp := fingerprint(req.ID)
	lock := s.sceneLock(fp)
	lock.RLock()
	defer lock.RUnlock()

	if err := ensureDir(sceneDir(s.workDir, fp)); err != nil {
		proto.WriteJSON(conn, proto.UploadResponse{Type: proto.RespFail, Message: "Could not save file"})
		return
	}

	if err := os.WriteFile(sceneFile(s.workDir, fp), blend, 0o644); err != nil {
		proto.WriteJSON(conn, proto.UploadResponse{Type: proto.RespFail, Message: "Could not save file"})
		return
	}

	proto.WriteJSON(conn, proto.UploadResponse{Type: proto.RespOkay})
	log.Printf("Saved .blend file with ID %q", req.ID)
}

// handleQuery replays the capability record cached at backend startup.
func (s *Service) handleQuery(conn net.Conn) {
	proto.WriteJSON(conn, s.backend.Capabilities())
}

// handleRender renders one frame of a previously uploaded scene. It returns
// false if an I/O error reading the rendered image back off disk, or sending
// the response or image to the client, means the session must end.
func (s *Service) handleRender(conn net.Conn, req proto.RenderRequest) bool {
	fp := fingerprint(req.ID)
	if err := ensureDir(renderDir(s.workDir, fp)); err != nil {
		log.Printf("render %q frame %d: %v", req.ID, req.Frame, err)
		proto.WriteJSON(conn, proto.RenderResponse{Type: proto.RespFail})
		return true
	}

	lock := s.sceneLock(fp)
	lock.RLock()
	output := filepath.Join(renderDir(s.workDir, fp), uuid.NewString())
	resp, err := s.backend.Render(sceneFile(s.workDir, fp), req.Frame, output)
	lock.RUnlock()
	if err != nil {
		log.Printf("render %q frame %d: backend error: %v", req.ID, req.Frame, err)
		proto.WriteJSON(conn, proto.RenderResponse{Type: proto.RespFail})
		return true
	}

	if resp.Type != proto.RespOkay {
		proto.WriteJSON(conn, proto.RenderResponse{Type: proto.RespFail})
		return true
	}

	image, err := os.ReadFile(resp.Image)
	if err != nil {
		log.Printf("render %q frame %d: read rendered image: %v", req.ID, req.Frame, err)
		return false
	}
	defer os.Remove(resp.Image)

	ext := filepath.Ext(resp.Image)
	if len(ext) > 0 && ext[0] == '.' {
		ext = ext[1:]
	}

	if err := proto.WriteJSON(conn, proto.RenderResponse{
		Type:      proto.RespOkay,
		Size:      uint64(len(image)),
		Extension: ext,
	}); err != nil {
		log.Printf("render %q frame %d: send response: %v", req.ID, req.Frame, err)
		return false
	}
	if _, err := conn.Write(image); err != nil {
		log.Printf("render %q frame %d: send image: %v", req.ID, req.Frame, err)
		return false
	}
	return true
}

// handleDelete removes anonymous/<fingerprint>/ transactionally, under a
// per-fingerprint lock that excludes concurrent uploads or renders for the
// same scene.
func (s *Service) handleDelete(conn net.Conn, req proto.DeleteRequest) {
	fp := fingerprint(req.ID)
	lock := s.sceneLock(fp)
	lock.Lock()
	err := os.RemoveAll(sceneDir(s.workDir, fp))
	lock.Unlock()

	if err != nil {
		proto.WriteJSON(conn, proto.DeleteResponse{Type: proto.RespFail, Message: err.Error()})
		return
	}
	proto.WriteJSON(conn, proto.DeleteResponse{Type: proto.RespOkay})
}

// sceneLock returns the per-fingerprint lock, creating it on first use.
func (s *Service) sceneLock(fp uint64) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.sceneLocks[fp]
	if !ok {
		lock = &sync.RWMutex{}
		s.sceneLocks[fp] = lock
	}
	return lock
}
