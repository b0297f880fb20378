package realtime

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mcpanel/internal/protocol"
	"mcpanel/internal/supervisor"
)

type startRequest struct {
	ServerPath string `json:"serverPath"`
}

type commandRequest struct {
	Command string `json:"command" binding:"required"`
}

type playerRequest struct {
	Player string `json:"player" binding:"required"`
	Reason string `json:"reason"`
}

type forceLogoutRequest struct {
	Username string `json:"username" binding:"required"`
	Message  string `json:"message"`
}

// errorStatus maps supervisor errors to an HTTP status and error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, supervisor.ErrRestartTimeout):
		return http.StatusGatewayTimeout, protocol.ErrRestartTimeout
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		return http.StatusConflict, protocol.ErrAlreadyRunning
	case errors.Is(err, supervisor.ErrNotRunning):
		return http.StatusConflict, protocol.ErrNotRunning
	case errors.Is(err, supervisor.ErrLaunchArtifactMissing):
		return http.StatusNotFound, protocol.ErrLaunchArtifactMissing
	case errors.Is(err, supervisor.ErrEmptyCommand), errors.Is(err, supervisor.ErrInvalidCommand):
		return http.StatusBadRequest, protocol.ErrInvalidCommand
	case errors.Is(err, supervisor.ErrSpawnFailed):
		return http.StatusInternalServerError, protocol.ErrSpawnFailed
	case errors.Is(err, supervisor.ErrCommandWriteFailed):
		return http.StatusInternalServerError, protocol.ErrCommandWriteFailed
	case errors.Is(err, supervisor.ErrClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, protocol.ErrUnavailable
	default:
		return http.StatusInternalServerError, protocol.ErrInternal
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", c.FullPath()), zap.String("code", code), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{"success": false, "code": code, "error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"success": false,
		"code":    protocol.ErrInvalidMessage,
		"error":   msg,
	})
}

// limitCommands applies the shared command limiter to REST callers.
func (s *Server) limitCommands() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.commandLimiter != nil && !s.commandLimiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"code":    protocol.ErrRateLimited,
				"error":   "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"server":    s.sup.State(),
		"observers": s.hub.Count(),
		"clients":   s.Clients(),
	})
}

func (s *Server) handleStart(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "invalid request body")
		return
	}

	info, err := s.sup.Start(c.Request.Context(), req.ServerPath)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"message":    "Server started",
		"pid":        info.PID,
		"port":       info.Port,
		"serverPath": info.Dir,
	})
}

func (s *Server) handleStop(c *gin.Context) {
	if err := s.sup.Stop(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Stop command sent"})
}

func (s *Server) handleRestart(c *gin.Context) {
	if err := s.sup.Restart(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Server restarted"})
}

func (s *Server) handleCommand(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "command is required")
		return
	}

	if err := s.sup.SendCommand(c.Request.Context(), req.Command); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Command sent"})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "status": s.sup.Status()})
}

func (s *Server) handleConsole(c *gin.Context) {
	limit := defaultConsoleLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			badRequest(c, "limit must be a positive integer")
			return
		}
		limit = n
	}

	records := s.sup.Console(limit)
	c.JSON(http.StatusOK, gin.H{"success": true, "records": records, "count": len(records)})
}

func (s *Server) handleClearConsole(c *gin.Context) {
	if err := s.sup.ClearConsole(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Console cleared"})
}

// handlePlayers asks a running server for a fresh list and answers with the
// current snapshot. The refreshed list follows as a server_status event.
func (s *Server) handlePlayers(c *gin.Context) {
	if s.sup.State() == supervisor.StateRunning {
		err := s.sup.RefreshPlayers(c.Request.Context())
		if err != nil && !errors.Is(err, supervisor.ErrNotRunning) {
			s.log.Warn("player list refresh failed", zap.Error(err))
		}
	}

	players := s.sup.Players()
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"players":    players,
		"count":      len(players),
		"maxPlayers": s.sup.Status().MaxPlayers,
	})
}

func (s *Server) handleKick(c *gin.Context) {
	var req playerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "player is required")
		return
	}

	if err := s.sup.KickPlayer(c.Request.Context(), req.Player, req.Reason); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Kicked " + req.Player})
}

func (s *Server) handleOp(c *gin.Context) {
	var req playerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "player is required")
		return
	}

	if err := s.sup.OpPlayer(c.Request.Context(), req.Player); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Granted operator to " + req.Player})
}

// handleForceLogout relays a logout notice from the session layer to every
// observer, then closes the named user's connections.
func (s *Server) handleForceLogout(c *gin.Context) {
	var req forceLogoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "username is required")
		return
	}
	if req.Message == "" {
		req.Message = "Your account has been signed in elsewhere"
	}

	delivered := s.hub.RelayExternal(protocol.ForceLogout{Username: req.Username, Message: req.Message})
	s.disconnect(req.Username)

	s.log.Info("forced logout relayed", zap.String("username", req.Username), zap.Int("delivered", delivered))
	c.JSON(http.StatusOK, gin.H{"success": true, "delivered": delivered})
}
