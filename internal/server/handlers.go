package server

import (
	"net/http"
	"time"

	"mox-ledger-go/internal/failure"
	"mox-ledger-go/internal/gateway"
	"mox-ledger-go/internal/models"
	"mox-ledger-go/internal/settlement"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const requestIdHeader = "X-Request-Id"

// midtransNotification carries the fields of a Midtrans payment notification
// the ledger acts on. Amounts are never read from it; the payment is
// re-verified with the gateway.
type midtransNotification struct {
	OrderId           string `json:"order_id" binding:"required"`
	TransactionStatus string `json:"transaction_status" binding:"required"`
	FraudStatus       string `json:"fraud_status"`
}

type payoutNotification struct {
	ReferenceNo string `json:"reference_no" binding:"required"`
	Status      string `json:"status" binding:"required"`
}

// requestLogger tags every request with an id and logs its outcome.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestId := c.GetHeader(requestIdHeader)
		if requestId == "" {
			requestId = uuid.NewString()
		}
		c.Header(requestIdHeader, requestId)
		c.Request = c.Request.WithContext(models.WithRequestContext(c.Request.Context(), &models.RequestContext{
			RequestId: requestId,
			Source:    "webhook",
		}))

		c.Next()

		zap.L().Info("Request handled",
			zap.String("request_id", requestId),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func (s *Server) health(c *gin.Context) {
	if err := s.handler.HealthCheck(c.Request.Context()); err != nil {
		zap.L().Error("Health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) midtransNotification(c *gin.Context) {
	var n midtransNotification
	if err := c.ShouldBindJSON(&n); err != nil {
		c.JSON(http.StatusBadRequest, models.SettlementResult{Reason: string(failure.Validation), Error: "invalid notification"})
		return
	}

	result, err := s.handler.HandleGatewayEvent(c.Request.Context(), settlement.Event{
		Gateway:   gateway.MidtransName,
		Reference: n.OrderId,
		Status:    gateway.MapStatus(n.TransactionStatus, n.FraudStatus),
		RawStatus: n.TransactionStatus,
	})
	respond(c, result, err)
}

func (s *Server) payoutNotification(c *gin.Context) {
	var n payoutNotification
	if err := c.ShouldBindJSON(&n); err != nil {
		c.JSON(http.StatusBadRequest, models.SettlementResult{Reason: string(failure.Validation), Error: "invalid notification"})
		return
	}

	result, err := s.handler.HandlePayoutEvent(c.Request.Context(), n.ReferenceNo, n.Status)
	respond(c, result, err)
}

func respond(c *gin.Context, result *models.SettlementResult, err error) {
	if err != nil {
		reason := failure.ReasonOf(err)
		c.JSON(statusFor(reason), models.SettlementResult{Reason: string(reason), Error: failure.Message(err)})
		return
	}
	if result.Success {
		c.JSON(http.StatusOK, result)
		return
	}
	if failure.Reason(result.Reason) == failure.Internal {
		zap.L().Error("Notification failed",
			zap.String("reference", result.Reference),
			zap.String("error", result.Error))
	}
	c.JSON(statusFor(failure.Reason(result.Reason)), result)
}

// statusFor maps a failure reason to the status a gateway sees. Only 2xx
// stops redelivery.
func statusFor(reason failure.Reason) int {
	switch reason {
	case failure.Validation:
		return http.StatusBadRequest
	case failure.NotFound:
		return http.StatusNotFound
	case failure.DuplicateEvent:
		return http.StatusOK
	case failure.ExternalServiceFailure:
		return http.StatusBadGateway
	case failure.Internal, failure.ConfigurationError:
		return http.StatusInternalServerError
	default:
		return http.StatusUnprocessableEntity
	}
}
