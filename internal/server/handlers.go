package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/mintex-trade/mintex/internal/amm"
	"github.com/mintex-trade/mintex/internal/auth"
	"github.com/mintex-trade/mintex/pkg/models"
)

// errorBody is the wire shape of a failed request.
type errorBody struct {
	Kind    string            `json:"kind"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// statusFor maps engine error kinds onto HTTP status codes.
func statusFor(kind amm.ErrorKind) int {
	switch kind {
	case amm.KindUnauthenticated:
		return http.StatusUnauthorized
	case amm.KindNotFound:
		return http.StatusNotFound
	case amm.KindRetryable:
		return http.StatusConflict
	case amm.KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) writeError(c *gin.Context, err error) {
	var ammErr *amm.Error
	if !errors.As(err, &ammErr) {
		ammErr = amm.WrapError(amm.KindInternal, err, "request failed")
	}
	if ammErr.Kind == amm.KindInternal {
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(statusFor(ammErr.Kind), gin.H{
		"success": false,
		"error": errorBody{
			Kind:    string(ammErr.Kind),
			Message: ammErr.Message,
			Details: ammErr.Details,
		},
	})
}

func (s *Server) writeValidation(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"success": false,
		"error":   errorBody{Kind: string(amm.KindValidation), Message: message},
	})
}

func (s *Server) handleSwap(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		s.writeError(c, amm.NewError(amm.KindUnauthenticated, "no authenticated user"))
		return
	}

	var req amm.SwapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeValidation(c, "malformed request body")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		s.writeValidation(c, err.Error())
		return
	}

	result, err := s.engine.Swap(c.Request.Context(), userID, req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if result.Quote {
		c.JSON(http.StatusOK, gin.H{"success": true, "quote": result})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "result": result})
}

func (s *Server) handleBuy(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		s.writeError(c, amm.NewError(amm.KindUnauthenticated, "no authenticated user"))
		return
	}

	var req amm.BuyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeValidation(c, "malformed request body")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		s.writeValidation(c, err.Error())
		return
	}

	result, err := s.engine.Buy(c.Request.Context(), userID, req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if result.Quote {
		c.JSON(http.StatusOK, gin.H{"success": true, "quote": result})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "result": result})
}

func (s *Server) handleSell(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		s.writeError(c, amm.NewError(amm.KindUnauthenticated, "no authenticated user"))
		return
	}

	var req amm.SellRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeValidation(c, "malformed request body")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		s.writeValidation(c, err.Error())
		return
	}

	result, err := s.engine.Sell(c.Request.Context(), userID, req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if result.Quote {
		c.JSON(http.StatusOK, gin.H{"success": true, "quote": result})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "result": result})
}

func (s *Server) handleListPools(c *gin.Context) {
	var pools []models.Pool
	err := s.db.WithContext(c.Request.Context()).
		Where("is_listed = ?", true).
		Order("market_cap desc").
		Find(&pools).Error
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "result": pools})
}

func (s *Server) handleGetPool(c *gin.Context) {
	symbol := strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
	var pool models.Pool
	err := s.db.WithContext(c.Request.Context()).
		Where("symbol = ?", symbol).
		First(&pool).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.writeError(c, amm.NewError(amm.KindNotFound, "asset %s not found", symbol))
			return
		}
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "result": pool})
}
