package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/vipshop-api/internal/alipay"
	"github.com/ksred/vipshop-api/internal/catalog"
	"github.com/ksred/vipshop-api/internal/entitlement"
	"github.com/ksred/vipshop-api/internal/orders"
	"github.com/ksred/vipshop-api/internal/types"
	"github.com/ksred/vipshop-api/internal/users"
	"github.com/ksred/vipshop-api/pkg/response"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Gateway reply vocabulary: "success" means stop resending this event,
// "fail" means retry it later. Nothing else may ever go on the wire.
const (
	ReplySuccess = "success"
	ReplyFail    = "fail"
)

// Service applies asynchronous payment notifications to local order state.
// Every path is safe under at-least-once, reordered delivery: the guarded
// status transition is the single point that decides who wins a race.
type Service struct {
	trades  *orders.Database
	catalog *catalog.Service
	users   *users.Database
	gateway alipay.Gateway
}

// NewService creates a new reconciler sharing the trade store with the
// orders service so both drive transitions through the same guard.
func NewService(gormDB *gorm.DB, tradeDB *orders.Database, catalogService *catalog.Service, gateway alipay.Gateway) *Service {
	return &Service{
		trades:  tradeDB,
		catalog: catalogService,
		users:   users.NewDatabase(gormDB),
		gateway: gateway,
	}
}

// HandleNotification reconciles one gateway event against stored state and
// returns the reply to put on the wire.
func (s *Service) HandleNotification(params map[string]string) string {
	tradeNo := params["out_trade_no"]
	reported := params["trade_status"]

	logger := log.With().
		Str("service", "reconcile").
		Str("trade_no", tradeNo).
		Str("reported_status", reported).
		Logger()

	if tradeNo == "" {
		logger.Error().Msg("notification missing trade number")
		return ReplyFail
	}
	if !s.gateway.VerifyNotification(params) {
		logger.Error().Msg("notification signature verification failed")
		return ReplyFail
	}

	trade, err := s.trades.GetTrade(tradeNo)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load trade")
		return ReplyFail
	}
	if trade == nil {
		// Could be a delivery racing ahead of our own write. Fail so the
		// gateway retries instead of the event vanishing.
		logger.Error().Msg("notification for unknown trade")
		return ReplyFail
	}

	switch reported {
	case types.StatusTradeClosed:
		return s.applyClosed(trade, logger)
	case types.StatusTradeSuccess, types.StatusTradeFinished:
		return s.applySuccess(trade, logger)
	default:
		// Intermediate or unexpected statuses are acknowledged without any
		// mutation so the gateway stops resending them.
		logger.Warn().Msg("ignoring notification with untrusted status")
		return ReplySuccess
	}
}

// applyClosed handles an abandoned payment: close the order and reclaim its
// reservation, once. Re-deliveries find the order already closed and no-op.
func (s *Service) applyClosed(trade *types.Trade, logger zerolog.Logger) string {
	if trade.TradeStatus != types.StatusWaitBuyerPay {
		return ReplySuccess
	}
	if err := s.closeLocally(trade.TradeNo); err != nil {
		if errors.Is(err, orders.ErrInvalidTransition) {
			// Lost a race against another delivery; the close already
			// happened.
			return ReplySuccess
		}
		logger.Error().Err(err).Msg("failed to close trade")
		return ReplyFail
	}
	logger.Info().Msg("closed trade and reclaimed stock")
	return ReplySuccess
}

// applySuccess credits the entitlement exactly once per trade.
func (s *Service) applySuccess(trade *types.Trade, logger zerolog.Logger) string {
	if types.IsTerminalSuccess(trade.TradeStatus) {
		// Duplicate delivery, already credited.
		return ReplySuccess
	}
	if trade.TradeStatus != types.StatusWaitBuyerPay {
		// A paid notification for a closed order is a hard inconsistency:
		// surface it through gateway retries and alerting.
		logger.Error().Str("stored_status", trade.TradeStatus).Msg("stored trade status inconsistent with payment")
		return ReplyFail
	}

	if err := s.trades.Transition(trade.TradeNo, types.StatusTradeSuccess); err != nil {
		logger.Error().Err(err).Msg("failed to mark trade successful")
		return ReplyFail
	}

	if err := s.extendEntitlement(trade); err != nil {
		// The transition already committed, so the retry will land in the
		// terminal-success guard above. Fail anyway: the expiry write is
		// what we still owe, and the operator needs the signal.
		logger.Error().Err(err).Msg("failed to extend entitlement after payment")
		return ReplyFail
	}

	logger.Info().Str("user_id", trade.UserID).Msg("payment credited")
	return ReplySuccess
}

func (s *Service) extendEntitlement(trade *types.Trade) error {
	user, err := s.users.GetUser(trade.UserID)
	if err != nil {
		return fmt.Errorf("failed to load user: %w", err)
	}
	if user == nil {
		return fmt.Errorf("trade %s references unknown user %s", trade.TradeNo, trade.UserID)
	}

	newExpiry := entitlement.Extend(user.VipExpiryDate, trade.GoodsName, time.Now())
	if err := s.users.UpdateVipExpiry(trade.UserID, newExpiry); err != nil {
		return fmt.Errorf("failed to write new expiry: %w", err)
	}
	return nil
}

// closeLocally transitions a trade to TRADE_CLOSED and releases its
// reservation. The transition guard makes the release happen at most once.
func (s *Service) closeLocally(tradeNo string) error {
	trade, err := s.trades.GetTrade(tradeNo)
	if err != nil {
		return err
	}
	if trade == nil {
		return orders.ErrTradeNotFound
	}
	if err := s.trades.Transition(tradeNo, types.StatusTradeClosed); err != nil {
		return err
	}
	return s.catalog.Release(trade.GoodsName)
}

// CloseTrade closes an unpaid trade on both sides: gateway first, so the
// buyer's link dies before the stock goes back on sale.
func (s *Service) CloseTrade(ctx context.Context, tradeNo string) error {
	if err := s.gateway.CloseTrade(ctx, tradeNo); err != nil {
		return fmt.Errorf("gateway close failed: %w", err)
	}
	return s.closeLocally(tradeNo)
}

// GinHandlers contains HTTP handlers for gateway callbacks and the buyer
// result page
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// NotifyHandler handles POST /notify. The body contract is fixed by the
// gateway: a plain-text "success" or "fail", nothing else.
func (h *GinHandlers) NotifyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := c.Request.ParseForm(); err != nil {
			c.String(http.StatusOK, ReplyFail)
			return
		}
		params := make(map[string]string, len(c.Request.PostForm))
		for key := range c.Request.PostForm {
			params[key] = c.Request.PostForm.Get(key)
		}
		c.String(http.StatusOK, h.service.HandleNotification(params))
	}
}

// ReturnHandler handles GET /return, the synchronous page the buyer lands
// on after paying. Read-only: the async notification owns all mutation.
func (h *GinHandlers) ReturnHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tradeNo := c.Query("out_trade_no")
		if tradeNo == "" {
			c.String(http.StatusOK, "Missing order number.")
			return
		}

		params := make(map[string]string)
		for key := range c.Request.URL.Query() {
			params[key] = c.Query(key)
		}
		if !h.service.gateway.VerifyNotification(params) {
			c.String(http.StatusOK, "Signature check failed, do not resubmit.")
			return
		}

		trade, err := h.service.trades.GetTrade(tradeNo)
		if err != nil || trade == nil {
			c.String(http.StatusOK, "Order not found, please contact support.")
			return
		}

		var message string
		switch trade.TradeStatus {
		case types.StatusTradeSuccess, types.StatusTradeFinished:
			message = fmt.Sprintf("Payment complete! You purchased %s.", trade.GoodsName)
		case types.StatusWaitBuyerPay:
			message = "Waiting for payment. If you already paid, refresh in a moment."
		default:
			message = "Unexpected payment state, please contact support."
		}

		c.Header("Content-Type", "text/html; charset=utf-8")
		c.String(http.StatusOK, "<h2>Payment Result</h2><p>%s</p><p>Order: %s</p>", message, tradeNo)
	}
}

// CloseTradeHandler handles POST /api/v1/internal/close/:trade_no, the
// operator's manual close-and-reclaim.
func (h *GinHandlers) CloseTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tradeNo := c.Param("trade_no")

		err := h.service.CloseTrade(c.Request.Context(), tradeNo)
		if errors.Is(err, orders.ErrTradeNotFound) {
			response.NotFound(c, "Trade not found")
			return
		}
		if errors.Is(err, orders.ErrInvalidTransition) {
			response.Conflict(c, "Trade is not open")
			return
		}
		response.Handle(c, gin.H{"trade_no": tradeNo, "status": types.StatusTradeClosed}, err)
	}
}
