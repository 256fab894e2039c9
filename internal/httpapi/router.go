// Package httpapi exposes the operator command surface over HTTP for
// external tooling. It mirrors the bus commands one-to-one.
package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pupteam/pup/internal/supervisor"
)

// Controller is the slice of the core the API needs.
type Controller interface {
	Command(typ, id string) error
	StatusAll() []supervisor.Status
	Terminate()
}

// Router provides embeddable HTTP handlers for driving the core.
// Endpoints, all under basePath:
//
//	POST /start?id=...     POST /stop?id=...   POST /restart?id=...
//	POST /block?id=...     POST /unblock?id=...
//	GET  /status           POST /terminate
type Router struct {
	ctl      Controller
	basePath string
}

func NewRouter(ctl Controller, basePath string) *Router {
	return &Router{ctl: ctl, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server or mux.
func (r *Router) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	for _, cmd := range []string{"start", "stop", "restart", "block", "unblock"} {
		cmd := cmd
		group.POST("/"+cmd, func(c *gin.Context) { r.handleCommand(c, cmd) })
	}
	group.GET("/status", r.handleStatus)
	group.POST("/terminate", r.handleTerminate)
	return g
}

func (r *Router) handleCommand(c *gin.Context, cmd string) {
	id := c.Query("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}
	if err := r.ctl.Command(cmd, id); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (r *Router) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"processes": r.ctl.StatusAll()})
}

func (r *Router) handleTerminate(c *gin.Context) {
	r.ctl.Terminate()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// NewServer builds an unstarted HTTP server on addr using this router.
func NewServer(addr, basePath string, ctl Controller) *http.Server {
	r := NewRouter(ctl, basePath)
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimSuffix(bp, "/")
}
