package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/solrouter/solrouter/pkg/models"
)

type errorResponse struct {
	Error string `json:"error"`
}

// submitOrder accepts a market order and returns a fast acknowledgment. Every
// outcome after admission arrives on the status stream.
func (s *Server) submitOrder(c *gin.Context) {
	var req models.OrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "malformed request: " + err.Error()})
		return
	}

	order, err := s.engine.Submit(c.Request.Context(), req)
	if err != nil {
		switch {
		case models.IsValidation(err):
			c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		default:
			s.logger.Error("order submission failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, errorResponse{Error: "submission failed"})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"order_id": order.ID.String(),
		"status":   order.Status,
	})
}

// getOrder returns the order's current state.
func (s *Server) getOrder(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid order id"})
		return
	}
	order, err := s.engine.GetStatus(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, errorResponse{Error: "order not found"})
			return
		}
		s.logger.Error("order lookup failed", zap.String("order_id", id.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, order)
}

// cancelOrder withdraws an order that has not started routing.
func (s *Server) cancelOrder(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid order id"})
		return
	}
	if err := s.engine.Cancel(c.Request.Context(), id); err != nil {
		switch {
		case errors.Is(err, models.ErrOrderNotFound):
			c.JSON(http.StatusNotFound, errorResponse{Error: "order not found"})
		case errors.Is(err, models.ErrCancelNotAllowed):
			c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
		default:
			s.logger.Error("order cancel failed", zap.String("order_id", id.String()), zap.Error(err))
			c.JSON(http.StatusInternalServerError, errorResponse{Error: "cancel failed"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": id.String(), "status": models.StatusFailed})
}

// queueStats exposes the admission queue's bucket counts.
func (s *Server) queueStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Stats())
}

// health reports 200 while healthy and 503 once degraded.
func (s *Server) health(c *gin.Context) {
	h := s.engine.HealthCheck()
	code := http.StatusOK
	if h.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, h)
}
