package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/ksred/vipshop-api/internal/orders"
	"github.com/rs/zerolog/log"
)

// Sweeper closes unpaid orders whose payment link has long expired and
// returns their reservations to stock. It reuses the reconciler's guarded
// close path, so a payment notification landing mid-sweep still wins or
// loses cleanly at the transition.
type Sweeper struct {
	service  *Service
	interval time.Duration
	maxAge   time.Duration // how old an unpaid order must be before sweeping
}

func NewSweeper(service *Service, interval, maxAge time.Duration) *Sweeper {
	return &Sweeper{
		service:  service,
		interval: interval,
		maxAge:   maxAge,
	}
}

// Start begins the sweep loop until the context is cancelled.
func (p *Sweeper) Start(ctx context.Context) {
	logger := log.With().Str("component", "order_sweeper").Logger()
	logger.Info().Dur("interval", p.interval).Dur("max_age", p.maxAge).Msg("starting order sweeper")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down order sweeper")
			return
		case <-ticker.C:
			if err := p.sweepOnce(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to sweep stale orders")
			}
		}
	}
}

func (p *Sweeper) sweepOnce(ctx context.Context) error {
	logger := log.With().Str("component", "order_sweeper").Logger()

	stale, err := p.service.trades.FindUnpaidOlderThan(p.maxAge)
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}

	logger.Info().Int("stale_count", len(stale)).Msg("sweeping stale unpaid orders")

	for _, trade := range stale {
		// Gateway close first: if it fails the buyer might still be mid
		// payment, so leave the order for the next sweep.
		if err := p.service.CloseTrade(ctx, trade.TradeNo); err != nil {
			if errors.Is(err, orders.ErrInvalidTransition) {
				// Paid or closed between the query and now.
				continue
			}
			logger.Error().Err(err).Str("trade_no", trade.TradeNo).Msg("failed to close stale trade")
			continue
		}
		logger.Info().Str("trade_no", trade.TradeNo).Str("goods_name", trade.GoodsName).Msg("closed stale trade")
	}

	return nil
}
