package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/unicitynetwork/ntlm-auth-gateway/pkg/api"
)

// boundAccount returns the machine account of the worker, or writes the error response
func (s *Server) boundAccount(c *gin.Context) (string, bool) {
	if s.authenticator == nil {
		c.JSON(http.StatusNotImplemented, api.ErrorResponse{Error: "no authenticator configured"})
		return "", false
	}
	binding := s.state.Binding()
	if binding == nil {
		c.JSON(http.StatusServiceUnavailable, api.ErrorResponse{Error: "worker holds no machine account"})
		return "", false
	}
	return binding.AccountID, true
}

func (s *Server) writeError(c *gin.Context, account string, err error) {
	code := http.StatusBadGateway
	switch {
	case errors.Is(err, api.ErrAuthenticationFailed):
		code = http.StatusUnauthorized
	case errors.Is(err, api.ErrInvalidRequest):
		code = http.StatusBadRequest
	default:
		s.logger.WithContext(c.Request.Context()).Error("Directory request failed",
			"path", c.Request.URL.Path, "account", account, "error", err.Error())
	}
	c.JSON(code, api.ErrorResponse{Error: err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: err.Error()})
}

func (s *Server) handleAuth(c *gin.Context) {
	account, ok := s.boundAccount(c)
	if !ok {
		return
	}
	var req api.AuthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := req.Validate(); err != nil {
		badRequest(c, err)
		return
	}

	resp, err := s.authenticator.Authenticate(c.Request.Context(), account, &req)
	if err != nil {
		s.writeError(c, account, err)
		return
	}
	resp.MachineAccount = account
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleExpire(c *gin.Context) {
	account, ok := s.boundAccount(c)
	if !ok {
		return
	}
	var req api.ExpireRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	resp, err := s.authenticator.Expire(c.Request.Context(), account, &req)
	if err != nil {
		s.writeError(c, account, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleEventReport(c *gin.Context) {
	account, ok := s.boundAccount(c)
	if !ok {
		return
	}
	var event api.EventReport
	if err := c.ShouldBindJSON(&event); err != nil {
		badRequest(c, err)
		return
	}

	if err := s.authenticator.ReportEvent(c.Request.Context(), account, &event); err != nil {
		s.writeError(c, account, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) handleConnect(c *gin.Context) {
	account, ok := s.boundAccount(c)
	if !ok {
		return
	}

	resp, err := s.authenticator.Connection(c.Request.Context(), account)
	if err != nil {
		s.writeError(c, account, err)
		return
	}
	resp.MachineAccount = account
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleTestPassword(c *gin.Context) {
	account, ok := s.boundAccount(c)
	if !ok {
		return
	}
	var req api.TestPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	resp, err := s.authenticator.TestPassword(c.Request.Context(), account, &req)
	if err != nil {
		s.writeError(c, account, err)
		return
	}
	resp.MachineAccount = account
	c.JSON(http.StatusOK, resp)
}
