package pipeline

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"closureme_back/authorization"
)

// Module exposes the pipeline endpoints: model readiness jobs, script
// runners and the scene writer.
type Module struct {
	manager  *Manager
	runners  []*ScriptRunner
	upgrader websocket.Upgrader
}

// RegisterRoutes mounts the pipeline API under /api. All routes require an
// authenticated user.
func RegisterRoutes(router *gin.Engine, guard *authorization.Guard, prober Prober) (*Module, error) {
	if prober == nil {
		return nil, errors.New("pipeline: a storage prober is required")
	}

	module := &Module{
		manager: NewManagerFromEnv(prober),
		runners: []*ScriptRunner{
			NewScriptRunner("analysis-txt", "ANALYSIS_CWD", "ANALYSIS_CMD", ""),
			NewScriptRunner("tts-prepare", "TTS_CWD", "TTS_PREPARE_CMD", ""),
			NewScriptRunner("build-agent", "BUILDER_CWD", "BUILDER_CMD", ""),
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	group := router.Group("/api")
	if guard != nil {
		group.Use(guard.RequireAuthenticated())
	} else {
		group.Use(func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization middleware missing"})
		})
	}

	group.POST("/environment", module.handleEnvironment)
	for _, runner := range module.runners {
		runner := runner
		group.POST("/"+runner.Name(), func(c *gin.Context) {
			module.handleRunScript(c, runner)
		})
	}

	group.POST("/model-jobs", module.handleCreateJob)
	group.GET("/model-jobs/:id", module.handleJobStatus)
	group.GET("/model-jobs/:id/ws", module.handleJobStream)
	group.DELETE("/model-jobs/:id", module.handleCancelJob)

	return module, nil
}

// Manager exposes the job manager, mainly for tests.
func (m *Module) Manager() *Manager {
	return m.manager
}

func (m *Module) handleEnvironment(c *gin.Context) {
	var req struct {
		Environment string `json:"environment" form:"environment"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	path, err := WriteScene(req.Environment)
	if err != nil {
		if errors.Is(err, ErrInvalidScene) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.Printf("pipeline: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "environment written",
		"output":  gin.H{"environment": req.Environment, "filePath": path},
	})
}

func (m *Module) handleRunScript(c *gin.Context, runner *ScriptRunner) {
	if err := runner.Run(c.Request.Context()); err != nil {
		if errors.Is(err, ErrBusy) {
			c.JSON(http.StatusTooManyRequests, gin.H{"ok": false, "error": runner.Name() + " running"})
			return
		}
		log.Printf("pipeline: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": runner.Name() + " failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (m *Module) handleCreateJob(c *gin.Context) {
	var req struct {
		BaseName string `json:"base_name" form:"base_name"`
	}
	if err := c.ShouldBind(&req); err != nil || req.BaseName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "base_name is required"})
		return
	}

	snapshot, err := m.manager.Start(req.BaseName)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "job started", "data": snapshot})
}

func (m *Module) handleJobStatus(c *gin.Context) {
	snapshot, err := m.manager.Job(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": snapshot})
}

func (m *Module) handleCancelJob(c *gin.Context) {
	snapshot, err := m.manager.Cancel(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "job cancelled", "data": snapshot})
}

// handleJobStream pushes job state changes over a websocket until the job
// reaches a terminal state or the client goes away.
func (m *Module) handleJobStream(c *gin.Context) {
	updates, detach, err := m.manager.Subscribe(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	defer detach()

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		select {
		case snapshot := <-updates:
			if err := conn.WriteJSON(snapshot); err != nil {
				return
			}
			if snapshot.State.terminal() {
				return
			}
		case <-c.Request.Context().Done():
			return
		}
	}
}
