package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"syscall"
	"time"
)

// RequestHandler handles incoming RPC requests. A single handler backs all
// connections the server accepts; implementations are responsible for
// their own internal synchronization (typically via a Cache).
type RequestHandler interface {
	HandleQuery(ctx context.Context, params QueryParams) (QueryResponse, error)
	HandleQueryFTS(ctx context.Context, params QueryParams) (QueryResponse, error)
	HandleQueryHybrid(ctx context.Context, params QueryParams) (QueryResponse, error)

	HandleIndex(ctx context.Context, params IndexParams) (IndexResult, error)
	HandleClean(ctx context.Context) error
	HandleCleanData(ctx context.Context, params CleanDataParams) error

	HandleWatchStart(ctx context.Context, params WatchStartParams) error
	HandleWatchStop(ctx context.Context) error
	HandleWatchStatus(ctx context.Context) (WatchStatusResult, error)

	HandleClearCache(ctx context.Context) error

	GetStatus() StatusResult
}

// Server listens on a Unix socket and handles RPC requests.
type Server struct {
	socketPath string
	listener   net.Listener
	handler    RequestHandler
	started    time.Time

	mu       sync.Mutex
	shutdown bool
	wg       sync.WaitGroup
}

// NewServer creates a new server that listens on the given socket path.
func NewServer(socketPath string) (*Server, error) {
	return &Server{
		socketPath: socketPath,
	}, nil
}

// SetHandler sets the request handler backing this server.
func (s *Server) SetHandler(h RequestHandler) {
	s.handler = h
}

// ListenAndServe starts the server and blocks until context is cancelled
// or a shutdown request is handled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.socketPath, err)
	}
	s.listener = listener
	s.started = time.Now()

	defer func() {
		_ = listener.Close()
		_ = os.Remove(s.socketPath)
	}()

	slog.Info("daemon listening", slog.String("socket", s.socketPath))

	go func() {
		<-ctx.Done()
		s.stopAccepting()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			shutdown := s.shutdown
			s.mu.Unlock()
			if shutdown {
				break
			}
			slog.Error("accept error", slog.String("error", err.Error()))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	// Let in-flight handlers complete before returning.
	s.wg.Wait()

	return ctx.Err()
}

func (s *Server) stopAccepting() {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

// handleConnection processes a single client connection.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(30 * time.Second)); err != nil {
		slog.Warn("failed to set connection deadline", slog.String("error", err.Error()))
	}

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	var req Request
	if err := decoder.Decode(&req); err != nil {
		resp := NewErrorResponse("", ErrCodeParseError, "failed to parse request")
		_ = encoder.Encode(resp)
		return
	}

	resp := s.handleRequest(ctx, req)
	_ = encoder.Encode(resp)
}

// handleRequest dispatches a request to the appropriate handler method.
func (s *Server) handleRequest(ctx context.Context, req Request) Response {
	switch req.Method {
	case MethodPing:
		return NewSuccessResponse(req.ID, PingResult{Pong: true})

	case MethodStatus:
		return NewSuccessResponse(req.ID, s.getStatus())

	case MethodQuery:
		return s.handleQueryLike(ctx, req, s.handler.HandleQuery)
	case MethodQueryFTS:
		return s.handleQueryLike(ctx, req, s.handler.HandleQueryFTS)
	case MethodQueryHybrid:
		return s.handleQueryLike(ctx, req, s.handler.HandleQueryHybrid)

	case MethodIndex:
		return s.handleIndex(ctx, req)
	case MethodClean:
		return s.handleClean(ctx, req)
	case MethodCleanData:
		return s.handleCleanData(ctx, req)

	case MethodWatchStart:
		return s.handleWatchStart(ctx, req)
	case MethodWatchStop:
		return s.handleSimple(ctx, req, s.handler.HandleWatchStop)
	case MethodWatchStatus:
		return s.handleWatchStatus(ctx, req)

	case MethodClearCache:
		return s.handleClearCache(ctx, req)

	case MethodShutdown:
		return s.handleShutdown(ctx, req)

	default:
		return NewErrorResponse(req.ID, ErrCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}
}

func (s *Server) requireHandler(req Request) *Response {
	if s.handler == nil {
		resp := NewErrorResponse(req.ID, ErrCodeInternalError, "no request handler configured")
		return &resp
	}
	return nil
}

func decodeParams[T any](req Request) (T, error) {
	var params T
	data, err := json.Marshal(req.Params)
	if err != nil {
		return params, fmt.Errorf("failed to encode params: %w", err)
	}
	if err := json.Unmarshal(data, &params); err != nil {
		return params, fmt.Errorf("failed to decode params: %w", err)
	}
	return params, nil
}

func (s *Server) handleQueryLike(ctx context.Context, req Request, fn func(context.Context, QueryParams) (QueryResponse, error)) Response {
	if errResp := s.requireHandler(req); errResp != nil {
		return *errResp
	}

	params, err := decodeParams[QueryParams](req)
	if err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}
	if err := params.Validate(); err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}

	result, err := fn(ctx, params)
	if err != nil {
		return NewErrorResponse(req.ID, ErrCodeSearchFailed, err.Error())
	}
	return NewSuccessResponse(req.ID, result)
}

func (s *Server) handleIndex(ctx context.Context, req Request) Response {
	if errResp := s.requireHandler(req); errResp != nil {
		return *errResp
	}
	params, err := decodeParams[IndexParams](req)
	if err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}
	if err := params.Validate(); err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}
	result, err := s.handler.HandleIndex(ctx, params)
	if err != nil {
		return NewErrorResponse(req.ID, ErrCodeIndexFailed, err.Error())
	}
	return NewSuccessResponse(req.ID, result)
}

func (s *Server) handleClean(ctx context.Context, req Request) Response {
	if errResp := s.requireHandler(req); errResp != nil {
		return *errResp
	}
	if err := s.handler.HandleClean(ctx); err != nil {
		return NewErrorResponse(req.ID, ErrCodeIndexFailed, err.Error())
	}
	return NewSuccessResponse(req.ID, CleanResult{Cleaned: true})
}

func (s *Server) handleCleanData(ctx context.Context, req Request) Response {
	if errResp := s.requireHandler(req); errResp != nil {
		return *errResp
	}
	params, err := decodeParams[CleanDataParams](req)
	if err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}
	if err := params.Validate(); err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}
	if err := s.handler.HandleCleanData(ctx, params); err != nil {
		return NewErrorResponse(req.ID, ErrCodeIndexFailed, err.Error())
	}
	return NewSuccessResponse(req.ID, CleanResult{Cleaned: true})
}

func (s *Server) handleWatchStart(ctx context.Context, req Request) Response {
	if errResp := s.requireHandler(req); errResp != nil {
		return *errResp
	}
	params, err := decodeParams[WatchStartParams](req)
	if err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}
	if err := params.Validate(); err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}
	if err := s.handler.HandleWatchStart(ctx, params); err != nil {
		return NewErrorResponse(req.ID, ErrCodeWatchFailed, err.Error())
	}
	return NewSuccessResponse(req.ID, WatchStatusResult{Running: true, WatchedPaths: params.Paths})
}

func (s *Server) handleWatchStatus(ctx context.Context, req Request) Response {
	if errResp := s.requireHandler(req); errResp != nil {
		return *errResp
	}
	status, err := s.handler.HandleWatchStatus(ctx)
	if err != nil {
		return NewErrorResponse(req.ID, ErrCodeWatchFailed, err.Error())
	}
	return NewSuccessResponse(req.ID, status)
}

func (s *Server) handleClearCache(ctx context.Context, req Request) Response {
	if errResp := s.requireHandler(req); errResp != nil {
		return *errResp
	}
	if err := s.handler.HandleClearCache(ctx); err != nil {
		return NewErrorResponse(req.ID, ErrCodeInternalError, err.Error())
	}
	return NewSuccessResponse(req.ID, ClearCacheResult{Cleared: true})
}

func (s *Server) handleSimple(ctx context.Context, req Request, fn func(context.Context) error) Response {
	if errResp := s.requireHandler(req); errResp != nil {
		return *errResp
	}
	if err := fn(ctx); err != nil {
		return NewErrorResponse(req.ID, ErrCodeWatchFailed, err.Error())
	}
	return NewSuccessResponse(req.ID, WatchStatusResult{Running: false})
}

// handleShutdown runs the graceful shutdown sequence and acknowledges the
// request before the process terminates:
//  1. stop the watch handler
//  2. clear the query cache
//  3. stop accepting new connections
//  4. let in-flight handlers finish (handled by the caller via s.wg)
//  5. remove the socket file
//  6. signal the daemon's own process to terminate
//
// The response is written by the caller (handleConnection) before this
// method's self-signal takes effect, so the client always sees an
// acknowledgement.
func (s *Server) handleShutdown(ctx context.Context, req Request) Response {
	if s.handler != nil {
		_ = s.handler.HandleWatchStop(ctx)
		_ = s.handler.HandleClearCache(ctx)
	}

	go func() {
		// Give the response a moment to flush to the client before this
		// connection's goroutine tears down the listener out from under
		// the accept loop.
		time.Sleep(50 * time.Millisecond)
		s.stopAccepting()
		_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
	}()

	return NewSuccessResponse(req.ID, ShutdownResult{ShuttingDown: true})
}

// getStatus returns the current server status.
func (s *Server) getStatus() StatusResult {
	status := StatusResult{
		Running:        true,
		PID:            os.Getpid(),
		Uptime:         time.Since(s.started).Round(time.Second).String(),
		EmbedderType:   "unknown",
		EmbedderStatus: "unavailable",
	}

	if s.handler != nil {
		handlerStatus := s.handler.GetStatus()
		status.EmbedderType = handlerStatus.EmbedderType
		status.EmbedderStatus = handlerStatus.EmbedderStatus
		status.CacheSize = handlerStatus.CacheSize
		status.TTLMinutes = handlerStatus.TTLMinutes
		status.LastAccessed = handlerStatus.LastAccessed
		status.AccessCount = handlerStatus.AccessCount
		status.IndexStale = handlerStatus.IndexStale
	}

	return status
}

// Close stops the server immediately, without running the graceful
// shutdown sequence. Intended for the owning process's own cleanup path,
// not for client-triggered shutdown (use the shutdown RPC for that).
func (s *Server) Close() error {
	s.stopAccepting()
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}
