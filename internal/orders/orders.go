package orders

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/vipshop-api/internal/alipay"
	"github.com/ksred/vipshop-api/internal/catalog"
	"github.com/ksred/vipshop-api/internal/users"
	"github.com/ksred/vipshop-api/pkg/response"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const tradeNoPrefix = "vipshop"

// CreateOutcome is the closed set of order-creation results.
type CreateOutcome int

const (
	OutcomeCreated CreateOutcome = iota
	OutcomeNoUser
	OutcomeNoGoods
	OutcomeSoldOut
)

// Code returns the wire status string the buyer client expects.
func (o CreateOutcome) Code() string {
	switch o {
	case OutcomeNoUser:
		return "NO_USER"
	case OutcomeNoGoods:
		return "NO_GOODS"
	case OutcomeSoldOut:
		return "SOLD_OUT"
	default:
		return ""
	}
}

// CreateResult carries the outcome of CreateOrder. PayURL is set only when
// Outcome is OutcomeCreated.
type CreateResult struct {
	Outcome CreateOutcome
	PayURL  string
	TradeNo string
}

// Service orchestrates order creation: buyer eligibility, the
// de-duplication window, stock reservation and gateway link issuance.
type Service struct {
	db      *Database
	catalog *catalog.Service
	users   *users.Database
	gateway alipay.Gateway

	// dedupWindow is how long an outstanding unpaid order keeps serving its
	// original payment link instead of reserving fresh stock.
	dedupWindow time.Duration
}

// NewService creates a new orders service with the given database connection
// and gateway client.
func NewService(gormDB *gorm.DB, catalogService *catalog.Service, gateway alipay.Gateway, dedupWindow time.Duration) *Service {
	return &Service{
		db:          NewDatabase(gormDB),
		catalog:     catalogService,
		users:       users.NewDatabase(gormDB),
		gateway:     gateway,
		dedupWindow: dedupWindow,
	}
}

// GetDB exposes the trade store so the reconciler drives status transitions
// through the same guarded layer.
func (s *Service) GetDB() *Database {
	return s.db
}

// CreateOrder runs the full creation flow. Precondition failures return a
// business outcome with no side effects; infrastructure failures after a
// successful reservation release the stock before surfacing the error.
func (s *Service) CreateOrder(userID, goodsName string) (*CreateResult, error) {
	logger := log.With().
		Str("service", "orders").
		Str("user_id", userID).
		Str("goods_name", goodsName).
		Logger()

	user, err := s.users.GetUser(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if user == nil {
		return &CreateResult{Outcome: OutcomeNoUser}, nil
	}

	good, err := s.catalog.GetGood(goodsName)
	if err != nil {
		return nil, fmt.Errorf("failed to look up good: %w", err)
	}
	if good == nil {
		return &CreateResult{Outcome: OutcomeNoGoods}, nil
	}

	// An unpaid order inside the window already holds a reservation, so we
	// re-issue its payment link at the originally stored amount and skip
	// the stock path entirely.
	existing, err := s.db.FindUnpaidWithin(userID, goodsName, s.dedupWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to look up unpaid orders: %w", err)
	}
	if existing != nil {
		payURL, err := s.gateway.CreatePaymentLink(existing.TradeNo, existing.TotalAmount, existing.GoodsName)
		if err != nil {
			return nil, fmt.Errorf("failed to re-issue payment link: %w", err)
		}
		logger.Info().Str("trade_no", existing.TradeNo).Msg("re-issued payment link for unpaid order")
		return &CreateResult{Outcome: OutcomeCreated, PayURL: payURL, TradeNo: existing.TradeNo}, nil
	}

	reserve, err := s.catalog.Reserve(goodsName)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve stock: %w", err)
	}
	switch reserve {
	case catalog.OutOfStock:
		return &CreateResult{Outcome: OutcomeSoldOut}, nil
	case catalog.GoodNotFound:
		return &CreateResult{Outcome: OutcomeNoGoods}, nil
	}

	// From here on the reservation must be compensated on any failure.
	tradeNo := newTradeNo(userID)
	payURL, err := s.gateway.CreatePaymentLink(tradeNo, good.Price, goodsName)
	if err != nil {
		s.compensate(goodsName, logger)
		return nil, fmt.Errorf("failed to issue payment link: %w", err)
	}

	if err := s.db.CreateTrade(tradeNo, goodsName, userID, good.Price); err != nil {
		s.compensate(goodsName, logger)
		return nil, fmt.Errorf("failed to persist trade: %w", err)
	}

	logger.Info().
		Str("trade_no", tradeNo).
		Float64("amount", good.Price).
		Msg("created trade")

	return &CreateResult{Outcome: OutcomeCreated, PayURL: payURL, TradeNo: tradeNo}, nil
}

func (s *Service) compensate(goodsName string, logger zerolog.Logger) {
	if err := s.catalog.Release(goodsName); err != nil {
		// A failed release leaves stock under-counted. Loud log so an
		// operator can reconcile by hand.
		logger.Error().Err(err).Msg("failed to release reserved stock")
	}
}

// newTradeNo synthesizes the externally visible trade number from the
// creation instant and the buyer id, the composite the gateway echoes back
// in notifications.
func newTradeNo(userID string) string {
	return fmt.Sprintf("%s%d%s", tradeNoPrefix, time.Now().UnixMilli(), userID)
}

// GinHandlers contains HTTP handlers for order endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

type createTradeRequest struct {
	UserID    string `json:"userId"`
	GoodsName string `json:"goodsName"`
}

// CreateTradeHandler handles POST /createTrade. The response protocol is
// fixed by the buyer client: HTTP 200 with {"status": <url-or-code>}.
func (h *GinHandlers) CreateTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createTradeRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" || req.GoodsName == "" {
			response.BadRequest(c, "userId and goodsName are required")
			return
		}

		result, err := h.service.CreateOrder(req.UserID, req.GoodsName)
		if err != nil {
			log.Error().Err(err).
				Str("user_id", req.UserID).
				Str("goods_name", req.GoodsName).
				Msg("order creation failed")
			response.InternalError(c, "order creation failed")
			return
		}

		if result.Outcome == OutcomeCreated {
			c.JSON(http.StatusOK, gin.H{"status": result.PayURL})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": result.Outcome.Code()})
	}
}
