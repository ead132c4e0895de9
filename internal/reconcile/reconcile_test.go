package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/vipshop-api/internal/catalog"
	"github.com/ksred/vipshop-api/internal/orders"
	"github.com/ksred/vipshop-api/internal/types"
	"github.com/ksred/vipshop-api/internal/users"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fakeGateway struct {
	rejectSign bool
	closeErr   error
	closed     []string
}

func (f *fakeGateway) CreatePaymentLink(tradeNo string, amount float64, subject string) (string, error) {
	return fmt.Sprintf("https://pay.example.com/gateway.do?out_trade_no=%s", tradeNo), nil
}

func (f *fakeGateway) VerifyNotification(params map[string]string) bool { return !f.rejectSign }

func (f *fakeGateway) CloseTrade(ctx context.Context, tradeNo string) error {
	if f.closeErr != nil {
		return f.closeErr
	}
	f.closed = append(f.closed, tradeNo)
	return nil
}

type fixture struct {
	db      *gorm.DB
	trades  *orders.Database
	service *Service
	gateway *fakeGateway
}

// newFixture seeds one buyer and one good with a single outstanding unpaid
// trade, stock already holding its reservation.
func newFixture(t *testing.T) (*fixture, string) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&types.Good{}, &types.User{}, &types.Trade{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	if err := db.Create(&types.Good{GoodsName: "30天VIP", Price: 19.90, Stock: 4}).Error; err != nil {
		t.Fatalf("failed to seed good: %v", err)
	}
	if err := users.NewDatabase(db).CreateUser("buyer_1"); err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}

	trades := orders.NewDatabase(db)
	tradeNo := fmt.Sprintf("vipshop%dbuyer_1", time.Now().UnixMilli())
	if err := trades.CreateTrade(tradeNo, "30天VIP", "buyer_1", 19.90); err != nil {
		t.Fatalf("failed to seed trade: %v", err)
	}

	gateway := &fakeGateway{}
	return &fixture{
		db:      db,
		trades:  trades,
		service: NewService(db, trades, catalog.NewService(db), gateway),
		gateway: gateway,
	}, tradeNo
}

func notification(tradeNo, status string) map[string]string {
	return map[string]string{
		"out_trade_no": tradeNo,
		"trade_status": status,
		"trade_no":     "2024060122001400001234567890",
		"sign":         "dGVzdA==",
	}
}

func (f *fixture) tradeStatus(t *testing.T, tradeNo string) string {
	t.Helper()
	status, err := f.trades.GetTradeStatus(tradeNo)
	if err != nil {
		t.Fatalf("GetTradeStatus failed: %v", err)
	}
	return status
}

func (f *fixture) stock(t *testing.T) int {
	t.Helper()
	var good types.Good
	if err := f.db.Where("goods_name = ?", "30天VIP").First(&good).Error; err != nil {
		t.Fatalf("failed to read good: %v", err)
	}
	return good.Stock
}

func (f *fixture) expiry(t *testing.T) time.Time {
	t.Helper()
	var user types.User
	if err := f.db.Where("uid = ?", "buyer_1").First(&user).Error; err != nil {
		t.Fatalf("failed to read user: %v", err)
	}
	return user.VipExpiryDate
}

func TestHandleNotificationSuccess(t *testing.T) {
	t.Run("Given a paid notification When handled Then trade paid and entitlement credited", func(t *testing.T) {
		f, tradeNo := newFixture(t)

		reply := f.service.HandleNotification(notification(tradeNo, types.StatusTradeSuccess))

		if reply != ReplySuccess {
			t.Errorf("expected success reply, got %q", reply)
		}
		if status := f.tradeStatus(t, tradeNo); status != types.StatusTradeSuccess {
			t.Errorf("expected TRADE_SUCCESS, got %s", status)
		}
		want := time.Now().Add(30 * 24 * time.Hour)
		if got := f.expiry(t); got.Before(want.Add(-time.Minute)) || got.After(want.Add(time.Minute)) {
			t.Errorf("expected expiry near %v, got %v", want, got)
		}
	})

	t.Run("Given duplicate paid notifications When handled Then entitlement credited exactly once", func(t *testing.T) {
		f, tradeNo := newFixture(t)

		first := f.service.HandleNotification(notification(tradeNo, types.StatusTradeSuccess))
		afterFirst := f.expiry(t)
		second := f.service.HandleNotification(notification(tradeNo, types.StatusTradeSuccess))
		third := f.service.HandleNotification(notification(tradeNo, types.StatusTradeFinished))

		if first != ReplySuccess || second != ReplySuccess || third != ReplySuccess {
			t.Errorf("expected all deliveries acknowledged, got %q %q %q", first, second, third)
		}
		if got := f.expiry(t); !got.Equal(afterFirst) {
			t.Errorf("expected expiry unchanged at %v after duplicates, got %v", afterFirst, got)
		}
	})

	t.Run("Given a finished notification on an unpaid trade When handled Then credited like a payment", func(t *testing.T) {
		f, tradeNo := newFixture(t)

		reply := f.service.HandleNotification(notification(tradeNo, types.StatusTradeFinished))

		if reply != ReplySuccess {
			t.Errorf("expected success reply, got %q", reply)
		}
		if status := f.tradeStatus(t, tradeNo); status != types.StatusTradeSuccess {
			t.Errorf("expected TRADE_SUCCESS, got %s", status)
		}
	})

	t.Run("Given a paid notification for a closed trade When handled Then fail so the gateway keeps retrying", func(t *testing.T) {
		f, tradeNo := newFixture(t)
		if err := f.trades.Transition(tradeNo, types.StatusTradeClosed); err != nil {
			t.Fatalf("Transition failed: %v", err)
		}

		reply := f.service.HandleNotification(notification(tradeNo, types.StatusTradeSuccess))

		if reply != ReplyFail {
			t.Errorf("expected fail reply for inconsistent state, got %q", reply)
		}
		if status := f.tradeStatus(t, tradeNo); status != types.StatusTradeClosed {
			t.Errorf("expected trade still closed, got %s", status)
		}
	})
}

func TestHandleNotificationClosed(t *testing.T) {
	t.Run("Given a closed notification When handled Then trade closed and stock reclaimed once", func(t *testing.T) {
		f, tradeNo := newFixture(t)

		first := f.service.HandleNotification(notification(tradeNo, types.StatusTradeClosed))
		second := f.service.HandleNotification(notification(tradeNo, types.StatusTradeClosed))

		if first != ReplySuccess || second != ReplySuccess {
			t.Errorf("expected both deliveries acknowledged, got %q %q", first, second)
		}
		if status := f.tradeStatus(t, tradeNo); status != types.StatusTradeClosed {
			t.Errorf("expected TRADE_CLOSED, got %s", status)
		}
		if got := f.stock(t); got != 5 {
			t.Errorf("expected stock reclaimed exactly once to 5, got %d", got)
		}
	})

	t.Run("Given a closed notification after payment When handled Then acknowledged without touching the paid trade", func(t *testing.T) {
		f, tradeNo := newFixture(t)
		if err := f.trades.Transition(tradeNo, types.StatusTradeSuccess); err != nil {
			t.Fatalf("Transition failed: %v", err)
		}

		reply := f.service.HandleNotification(notification(tradeNo, types.StatusTradeClosed))

		if reply != ReplySuccess {
			t.Errorf("expected success reply, got %q", reply)
		}
		if status := f.tradeStatus(t, tradeNo); status != types.StatusTradeSuccess {
			t.Errorf("expected trade still paid, got %s", status)
		}
		if got := f.stock(t); got != 4 {
			t.Errorf("expected stock untouched at 4, got %d", got)
		}
	})
}

func TestHandleNotificationRejections(t *testing.T) {
	t.Run("Given a bad signature Then fail with no state change", func(t *testing.T) {
		f, tradeNo := newFixture(t)
		f.gateway.rejectSign = true

		reply := f.service.HandleNotification(notification(tradeNo, types.StatusTradeSuccess))

		if reply != ReplyFail {
			t.Errorf("expected fail reply, got %q", reply)
		}
		if status := f.tradeStatus(t, tradeNo); status != types.StatusWaitBuyerPay {
			t.Errorf("expected trade untouched, got %s", status)
		}
	})

	t.Run("Given a missing trade number Then fail", func(t *testing.T) {
		f, _ := newFixture(t)

		if reply := f.service.HandleNotification(notification("", types.StatusTradeSuccess)); reply != ReplyFail {
			t.Errorf("expected fail reply, got %q", reply)
		}
	})

	t.Run("Given an unknown trade Then fail so the gateway retries", func(t *testing.T) {
		f, _ := newFixture(t)

		if reply := f.service.HandleNotification(notification("vipshop0unknown", types.StatusTradeSuccess)); reply != ReplyFail {
			t.Errorf("expected fail reply, got %q", reply)
		}
	})

	t.Run("Given an untrusted status Then acknowledged with no mutation", func(t *testing.T) {
		f, tradeNo := newFixture(t)

		reply := f.service.HandleNotification(notification(tradeNo, "WAIT_BUYER_PAY"))

		if reply != ReplySuccess {
			t.Errorf("expected success reply, got %q", reply)
		}
		if status := f.tradeStatus(t, tradeNo); status != types.StatusWaitBuyerPay {
			t.Errorf("expected trade untouched, got %s", status)
		}
	})
}

func TestCloseTrade(t *testing.T) {
	t.Run("Given an open trade When closed Then gateway closed first and stock reclaimed", func(t *testing.T) {
		f, tradeNo := newFixture(t)

		if err := f.service.CloseTrade(context.Background(), tradeNo); err != nil {
			t.Fatalf("CloseTrade failed: %v", err)
		}
		if len(f.gateway.closed) != 1 || f.gateway.closed[0] != tradeNo {
			t.Errorf("expected gateway close for %s, got %v", tradeNo, f.gateway.closed)
		}
		if status := f.tradeStatus(t, tradeNo); status != types.StatusTradeClosed {
			t.Errorf("expected TRADE_CLOSED, got %s", status)
		}
		if got := f.stock(t); got != 5 {
			t.Errorf("expected stock reclaimed to 5, got %d", got)
		}
	})

	t.Run("Given the gateway refuses When closed Then local state untouched", func(t *testing.T) {
		f, tradeNo := newFixture(t)
		f.gateway.closeErr = errors.New("gateway unavailable")

		if err := f.service.CloseTrade(context.Background(), tradeNo); err == nil {
			t.Fatal("expected error from gateway failure")
		}
		if status := f.tradeStatus(t, tradeNo); status != types.StatusWaitBuyerPay {
			t.Errorf("expected trade still open, got %s", status)
		}
		if got := f.stock(t); got != 4 {
			t.Errorf("expected stock untouched at 4, got %d", got)
		}
	})

	t.Run("Given a paid trade When closed Then ErrInvalidTransition", func(t *testing.T) {
		f, tradeNo := newFixture(t)
		if err := f.trades.Transition(tradeNo, types.StatusTradeSuccess); err != nil {
			t.Fatalf("Transition failed: %v", err)
		}

		err := f.service.CloseTrade(context.Background(), tradeNo)
		if !errors.Is(err, orders.ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition, got %v", err)
		}
	})
}

func TestSweeper(t *testing.T) {
	t.Run("Given a stale unpaid trade When swept Then closed and reclaimed, fresh trades untouched", func(t *testing.T) {
		f, stale := newFixture(t)
		aged := time.Now().Add(-48 * time.Hour)
		if err := f.db.Model(&types.Trade{}).
			Where("trade_no = ?", stale).
			Update("created_at", aged).Error; err != nil {
			t.Fatalf("failed to age trade: %v", err)
		}
		fresh := fmt.Sprintf("vipshop%dbuyer_1_fresh", time.Now().UnixMilli())
		if err := f.trades.CreateTrade(fresh, "30天VIP", "buyer_1", 19.90); err != nil {
			t.Fatalf("CreateTrade failed: %v", err)
		}

		sweeper := NewSweeper(f.service, time.Minute, 24*time.Hour)
		if err := sweeper.sweepOnce(context.Background()); err != nil {
			t.Fatalf("sweepOnce failed: %v", err)
		}

		if status := f.tradeStatus(t, stale); status != types.StatusTradeClosed {
			t.Errorf("expected stale trade closed, got %s", status)
		}
		if status := f.tradeStatus(t, fresh); status != types.StatusWaitBuyerPay {
			t.Errorf("expected fresh trade untouched, got %s", status)
		}
		if got := f.stock(t); got != 5 {
			t.Errorf("expected one reservation reclaimed, stock 5, got %d", got)
		}
	})

	t.Run("Given the gateway refuses When swept Then the trade is left for the next sweep", func(t *testing.T) {
		f, stale := newFixture(t)
		f.gateway.closeErr = errors.New("gateway unavailable")
		aged := time.Now().Add(-48 * time.Hour)
		if err := f.db.Model(&types.Trade{}).
			Where("trade_no = ?", stale).
			Update("created_at", aged).Error; err != nil {
			t.Fatalf("failed to age trade: %v", err)
		}

		sweeper := NewSweeper(f.service, time.Minute, 24*time.Hour)
		if err := sweeper.sweepOnce(context.Background()); err != nil {
			t.Fatalf("sweepOnce failed: %v", err)
		}

		if status := f.tradeStatus(t, stale); status != types.StatusWaitBuyerPay {
			t.Errorf("expected trade still open, got %s", status)
		}
	})
}

func TestNotifyHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("Given a paid notification over HTTP Then plain-text success", func(t *testing.T) {
		f, tradeNo := newFixture(t)
		router := gin.New()
		router.POST("/notify", NewGinHandlers(f.service).NotifyHandler())

		form := url.Values{}
		for k, v := range notification(tradeNo, types.StatusTradeSuccess) {
			form.Set(k, v)
		}
		req := httptest.NewRequest(http.MethodPost, "/notify", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		if w.Body.String() != ReplySuccess {
			t.Errorf("expected body %q, got %q", ReplySuccess, w.Body.String())
		}
	})

	t.Run("Given a rejected signature over HTTP Then plain-text fail", func(t *testing.T) {
		f, tradeNo := newFixture(t)
		f.gateway.rejectSign = true
		router := gin.New()
		router.POST("/notify", NewGinHandlers(f.service).NotifyHandler())

		form := url.Values{}
		for k, v := range notification(tradeNo, types.StatusTradeSuccess) {
			form.Set(k, v)
		}
		req := httptest.NewRequest(http.MethodPost, "/notify", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Body.String() != ReplyFail {
			t.Errorf("expected body %q, got %q", ReplyFail, w.Body.String())
		}
	})
}
