package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/chama/internal/contribution"
	obslogger "github.com/smallbiznis/chama/internal/observability/logger"
	"go.uber.org/zap"
)

// TriggerRotation runs one batch pass. Per-chama failures are reported in
// the body with a 200; only a driver-level failure is a 500.
func (s *Server) TriggerRotation(c *gin.Context) {
	// A cron client that hangs up must not abort a pass halfway.
	ctx := context.WithoutCancel(c.Request.Context())

	summary, err := s.batch.RunOnce(ctx)
	if err != nil {
		obslogger.WithContext(ctx, s.log).Error("rotation trigger failed",
			zap.String("run_id", summary.RunID),
			zap.Error(err),
		)
		AbortWithError(c, fmt.Errorf("%w: %v", ErrInternal, err))
		return
	}

	c.JSON(http.StatusOK, summary)
}

type createDepositRequest struct {
	UserID string `json:"user_id"`
	Amount string `json:"amount"`
}

type depositResponse struct {
	ID        string    `json:"id"`
	ChamaID   string    `json:"chama_id"`
	UserID    string    `json:"user_id"`
	Amount    string    `json:"amount"`
	Round     int       `json:"round"`
	Cycle     int       `json:"cycle"`
	TxHash    string    `json:"tx_hash"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) CreateDeposit(c *gin.Context) {
	chamaID, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil || chamaID == 0 {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid chama id"))
		return
	}

	var req createDepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	userID, err := snowflake.ParseString(strings.TrimSpace(req.UserID))
	if err != nil || userID == 0 {
		AbortWithError(c, newValidationError("user_id", "invalid_user_id", "invalid user id"))
		return
	}
	if strings.TrimSpace(req.Amount) == "" {
		AbortWithError(c, newValidationError("amount", "required", "amount is required"))
		return
	}

	deposit, err := s.deposits.DepositForMember(c.Request.Context(), contribution.DepositRequest{
		ChamaID: chamaID,
		UserID:  userID,
		Amount:  req.Amount,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, depositResponse{
		ID:        deposit.ID.String(),
		ChamaID:   deposit.ChamaID.String(),
		UserID:    deposit.UserID.String(),
		Amount:    deposit.Amount,
		Round:     deposit.Round,
		Cycle:     deposit.Cycle,
		TxHash:    deposit.TxHash,
		CreatedAt: deposit.CreatedAt,
	})
}
