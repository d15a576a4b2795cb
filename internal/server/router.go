package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/relayshell/internal/events"
	"github.com/loykin/relayshell/internal/history"
	"github.com/loykin/relayshell/internal/integrity"
	"github.com/loykin/relayshell/internal/metrics"
	"github.com/loykin/relayshell/internal/provision"
	"github.com/loykin/relayshell/internal/supervisor"
	"github.com/loykin/relayshell/internal/transfer"
	"github.com/loykin/relayshell/internal/worker"
)

// Backend is what the control API drives.
type Backend interface {
	Send(ctx context.Context, req worker.SendRequest) (transfer.Snapshot, error)
	Cancel(ctx context.Context) (transfer.Snapshot, error)
	Reset() (transfer.Snapshot, error)
	TransferState() transfer.Snapshot

	StartServer(ctx context.Context, req worker.ServerRequest) (transfer.Snapshot, error)
	StartProxy(ctx context.Context, req worker.ProxyRequest) (transfer.Snapshot, error)
	StopWorker(ctx context.Context) (transfer.Snapshot, error)
	WorkerStatus() supervisor.Status
	WorkerResources() []metrics.ResourceSample
	ReceivedDir() string

	ScanNetwork(ctx context.Context) ([]worker.Peer, error)
	ListInterfaces(ctx context.Context) ([]worker.Interface, error)
	Verify(path string) (integrity.Result, error)

	History(ctx context.Context) ([]history.Item, error)
	Stats(ctx context.Context) ([]history.StatsRecord, error)
	ClearHistory(ctx context.Context) error

	Subscribe(buffer int, topics ...events.Topic) *events.Subscription
}

// Router serves the control API. Endpoints, relative to basePath:
//
//	POST   /transfers/send      body: worker.SendRequest
//	POST   /transfers/cancel
//	POST   /transfers/reset
//	GET    /transfers/state
//	POST   /server/start        body: worker.ServerRequest
//	POST   /proxy/start         body: worker.ProxyRequest
//	POST   /worker/stop
//	GET    /worker
//	GET    /peers
//	GET    /interfaces
//	POST   /verify              body: {"path": "/abs/file"}
//	GET    /history
//	DELETE /history
//	GET    /stats
//	GET    /events              Server-Sent Events, query: topics=a,b
//	GET    /ws                  websocket event stream, query: topics=a,b
//
// /metrics is mounted at the root when enabled.
type Router struct {
	be       Backend
	basePath string
	metrics  bool
}

func NewRouter(be Backend, basePath string, withMetrics bool) *Router {
	return &Router{be: be, basePath: sanitizeBase(basePath), metrics: withMetrics}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	group := g.Group(r.basePath)
	group.POST("/transfers/send", r.handleSend)
	group.POST("/transfers/cancel", r.handleCancel)
	group.POST("/transfers/reset", r.handleReset)
	group.GET("/transfers/state", r.handleState)
	group.POST("/server/start", r.handleServerStart)
	group.POST("/proxy/start", r.handleProxyStart)
	group.POST("/worker/stop", r.handleWorkerStop)
	group.GET("/worker", r.handleWorker)
	group.GET("/peers", r.handlePeers)
	group.GET("/interfaces", r.handleInterfaces)
	group.POST("/verify", r.handleVerify)
	group.GET("/history", r.handleHistory)
	group.DELETE("/history", r.handleClearHistory)
	group.GET("/stats", r.handleStats)
	group.GET("/events", r.handleSSE)
	group.GET("/ws", r.handleWS)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr string, r *Router) (*http.Server, error) {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// no WriteTimeout: /events and /ws are long-lived
		IdleTimeout: 60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type verifyReq struct {
	Path string `json:"path" binding:"required"`
}

type workerResp struct {
	Status    supervisor.Status        `json:"status"`
	Resources []metrics.ResourceSample `json:"resources,omitempty"`
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var spawnErr *supervisor.SpawnError
	var exitErr *supervisor.NonZeroExitError
	switch {
	case errors.Is(err, transfer.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, transfer.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, provision.ErrRuntimeMissing), errors.Is(err, provision.ErrRuntimeExecutableMissing):
		return http.StatusServiceUnavailable
	case errors.Is(err, supervisor.ErrStopTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &spawnErr), errors.As(err, &exitErr), errors.Is(err, worker.ErrNoJSON):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
}

func (r *Router) handleSend(c *gin.Context) {
	var req worker.SendRequest
	req.Defaults()
	// binding runs the same tags as worker.Validate
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid request: " + err.Error()})
		return
	}
	snap, err := r.be.Send(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, snap)
}

func (r *Router) handleCancel(c *gin.Context) {
	snap, err := r.be.Cancel(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, snap)
}

func (r *Router) handleReset(c *gin.Context) {
	snap, err := r.be.Reset()
	if err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, snap)
}

func (r *Router) handleState(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.be.TransferState())
}

func (r *Router) handleServerStart(c *gin.Context) {
	var req worker.ServerRequest
	req.Defaults(r.be.ReceivedDir())
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid request: " + err.Error()})
		return
	}
	if !isSafeAbsPath(req.SaveDir) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid save_dir: must be absolute path without traversal"})
		return
	}
	snap, err := r.be.StartServer(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, snap)
}

func (r *Router) handleProxyStart(c *gin.Context) {
	var req worker.ProxyRequest
	req.Defaults()
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid request: " + err.Error()})
		return
	}
	snap, err := r.be.StartProxy(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, snap)
}

func (r *Router) handleWorkerStop(c *gin.Context) {
	snap, err := r.be.StopWorker(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, snap)
}

func (r *Router) handleWorker(c *gin.Context) {
	writeJSON(c, http.StatusOK, workerResp{Status: r.be.WorkerStatus(), Resources: r.be.WorkerResources()})
}

func (r *Router) handlePeers(c *gin.Context) {
	peers, err := r.be.ScanNetwork(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, peers)
}

func (r *Router) handleInterfaces(c *gin.Context) {
	ifs, err := r.be.ListInterfaces(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, ifs)
}

func (r *Router) handleVerify(c *gin.Context) {
	var req verifyReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid request: " + err.Error()})
		return
	}
	if !isSafeAbsPath(req.Path) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid path: must be absolute path without traversal"})
		return
	}
	res, err := r.be.Verify(req.Path)
	if err != nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) handleHistory(c *gin.Context) {
	items, err := r.be.History(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, items)
}

func (r *Router) handleClearHistory(c *gin.Context) {
	if err := r.be.ClearHistory(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStats(c *gin.Context) {
	stats, err := r.be.Stats(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, stats)
}
