package mcp

import (
	"bufio"
	"context"
	"io"
	"sync"

	"github.com/goccy/go-json"

	"sync_server/config"
	"sync_server/core/port/in"
	"sync_server/pkg/logger"
)

// =============================================================================
// Stdio tool server
// =============================================================================

// The wire protocol is line-delimited JSON-RPC frames over stdio, one
// object per line, no streaming. The server is bound to a single user
// at startup; callers cannot address another user's collection.

const (
	protocolVersion = "2024-11-05"
	serverName      = "sync-tools"
	serverVersion   = "1.0.0"

	// maxFrameBytes bounds one request line.
	maxFrameBytes = 1 << 20
)

const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

type request struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Result  interface{} `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Server exposes the retrieval tool and the adapter multiplexer to an
// external assistant process over stdio.
type Server struct {
	cfg      *config.Config
	retrieve in.RetrieveService
	tools    in.ToolService
	userID   string

	r   io.Reader
	w   io.Writer
	wmu sync.Mutex

	log *logger.Logger
}

func NewServer(cfg *config.Config, retrieve in.RetrieveService, tools in.ToolService, r io.Reader, w io.Writer) *Server {
	return &Server{
		cfg:      cfg,
		retrieve: retrieve,
		tools:    tools,
		userID:   cfg.ToolUserID,
		r:        r,
		w:        w,
		log:      logger.WithField("component", "tool_server"),
	}
}

// Run reads frames until EOF or cancellation. Reader errors end the
// loop; a cancelled context is an orderly stop and returns nil.
func (s *Server) Run(ctx context.Context) error {
	lines := make(chan []byte)
	done := make(chan error, 1)

	go func() {
		scanner := bufio.NewScanner(s.r)
		scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)
		for scanner.Scan() {
			raw := scanner.Bytes()
			if len(raw) == 0 {
				continue
			}
			line := make([]byte, len(raw))
			copy(line, raw)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		done <- scanner.Err()
	}()

	s.log.WithUser(s.userID).Info("tool server listening on stdio")
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-done:
			return err
		case line := <-lines:
			s.handle(ctx, line)
		}
	}
}

func (s *Server) handle(ctx context.Context, line []byte) {
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		s.reply(&response{JSONRPC: "2.0", Error: &rpcError{codeParseError, "parse error"}})
		return
	}

	switch req.Method {
	case "initialize":
		s.reply(&response{JSONRPC: "2.0", ID: req.ID, Result: map[string]interface{}{
			"protocolVersion": protocolVersion,
			"serverInfo": map[string]string{
				"name":    serverName,
				"version": serverVersion,
			},
			"capabilities": map[string]interface{}{
				"tools": map[string]interface{}{},
			},
		}})
	case "notifications/initialized", "initialized":
		// Notification, no reply.
	case "ping":
		s.reply(&response{JSONRPC: "2.0", ID: req.ID, Result: map[string]interface{}{}})
	case "tools/list":
		s.reply(&response{JSONRPC: "2.0", ID: req.ID, Result: map[string]interface{}{
			"tools": s.toolDefs(),
		}})
	case "tools/call":
		s.reply(s.call(ctx, req.ID, req.Params))
	default:
		if req.ID == nil {
			return
		}
		s.reply(&response{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{
			codeMethodNotFound, "method not found: " + req.Method,
		}})
	}
}

func (s *Server) reply(res *response) {
	raw, err := json.Marshal(res)
	if err != nil {
		s.log.WithError(err).Error("response marshal failed")
		return
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := s.w.Write(append(raw, '\n')); err != nil {
		s.log.WithError(err).Error("response write failed")
	}
}
