package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/rl1809/allocation-service/internal/core/domain"
	"github.com/rl1809/allocation-service/internal/core/service"
	"github.com/rl1809/allocation-service/internal/port"
)

type AllocationReader interface {
	Allocations(ctx context.Context, orderID string) ([]port.Allocation, error)
}

type HTTPHandler struct {
	bus    Dispatcher
	reader AllocationReader
	retry  RetryPolicy
	logger *zap.Logger
}

type AllocateHTTPRequest struct {
	OrderID string `json:"orderid" binding:"required"`
	SKU     string `json:"sku" binding:"required"`
	Qty     int    `json:"qty" binding:"required,gt=0"`
}

type AllocateHTTPResponse struct {
	BatchRef string `json:"batchref"`
}

type AddBatchHTTPRequest struct {
	Ref string  `json:"ref" binding:"required"`
	SKU string  `json:"sku" binding:"required"`
	Qty int     `json:"qty" binding:"gte=0"`
	ETA *string `json:"eta"`
}

type ChangeQuantityHTTPRequest struct {
	Ref string `json:"ref" binding:"required"`
	Qty int    `json:"qty" binding:"gte=0"`
}

type ErrorResponse struct {
	Message string `json:"message"`
}

func NewHTTPHandler(bus Dispatcher, reader AllocationReader, retry RetryPolicy, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{bus: bus, reader: reader, retry: retry, logger: logger}
}

// Router builds the gin engine. serviceName labels the request spans.
func (h *HTTPHandler) Router(serviceName string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware(serviceName), h.logRequests())

	r.POST("/allocate", h.Allocate)
	r.POST("/add_batch", h.AddBatch)
	r.POST("/change_batch_quantity", h.ChangeBatchQuantity)
	r.GET("/allocations/:orderid", h.Allocations)
	r.GET("/health", h.HealthCheck)
	return r
}

func (h *HTTPHandler) Allocate(c *gin.Context) {
	var req AllocateHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Message: "invalid request body"})
		return
	}

	result, err := dispatch(c.Request.Context(), h.bus, h.retry, domain.AllocateOrderLine{
		OrderID: req.OrderID,
		SKU:     req.SKU,
		Qty:     req.Qty,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	batchRef, _ := result.(string)
	c.JSON(http.StatusCreated, AllocateHTTPResponse{BatchRef: batchRef})
}

func (h *HTTPHandler) AddBatch(c *gin.Context) {
	var req AddBatchHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Message: "invalid request body"})
		return
	}

	eta, err := parseETA(req.ETA)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Message: err.Error()})
		return
	}

	_, err = dispatch(c.Request.Context(), h.bus, h.retry, domain.CreateBatch{
		Reference: req.Ref,
		SKU:       req.SKU,
		Qty:       req.Qty,
		ETA:       eta,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	c.String(http.StatusCreated, "OK")
}

func (h *HTTPHandler) ChangeBatchQuantity(c *gin.Context) {
	var req ChangeQuantityHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Message: "invalid request body"})
		return
	}

	_, err := dispatch(c.Request.Context(), h.bus, h.retry, domain.ChangeBatchQuantity{
		Reference: req.Ref,
		Qty:       req.Qty,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	c.String(http.StatusOK, "OK")
}

func (h *HTTPHandler) Allocations(c *gin.Context) {
	allocations, err := h.reader.Allocations(c.Request.Context(), c.Param("orderid"))
	if errors.Is(err, service.ErrNoAllocations) {
		c.JSON(http.StatusNotFound, ErrorResponse{Message: "not found"})
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, allocations)
}

func (h *HTTPHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *HTTPHandler) fail(c *gin.Context, err error) {
	status, message := httpStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, ErrorResponse{Message: message})
}

func httpStatus(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrInvalidSKU),
		errors.Is(err, domain.ErrOutOfStock),
		errors.Is(err, domain.ErrInvalidQuantity),
		errors.Is(err, domain.ErrSKUMismatch),
		errors.Is(err, domain.ErrDuplicateBatch):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrBatchNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, port.ErrConcurrencyConflict):
		return http.StatusConflict, "concurrent update, try again"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// parseETA accepts a calendar date or a full RFC 3339 timestamp; null means
// warehouse stock.
func parseETA(raw *string) (*time.Time, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.DateOnly, time.RFC3339} {
		if t, err := time.Parse(layout, *raw); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid eta %q", *raw)
}

func (h *HTTPHandler) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		switch status := c.Writer.Status(); {
		case status >= 500:
			h.logger.Error("http request", fields...)
		case status >= 400:
			h.logger.Warn("http request", fields...)
		default:
			h.logger.Debug("http request", fields...)
		}
	}
}
