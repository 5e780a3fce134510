package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"lendguard/crypto"
	"lendguard/native/lending"
)

// Engine describes the operations required by the lendingd HTTP surface.
type Engine interface {
	Health(ctx context.Context, obligation crypto.Address) (lending.HealthReport, error)
	Refresh(ctx context.Context, obligation crypto.Address) (lending.HealthReport, error)
	PreviewLiquidation(ctx context.Context, req lending.LiquidateRequest) (lending.LiquidationResult, error)
	Liquidate(ctx context.Context, req lending.LiquidateRequest) (lending.LiquidationResult, error)
	PushPrice(ctx context.Context, symbol string, sample lending.PriceSample) (bool, error)
	Reserve(symbol string) (crypto.Address, error)
	ReserveRates(ctx context.Context, symbol string) (lending.ReserveRates, error)
}

// SlotClock returns the ledger slot and unix timestamp to evaluate at.
type SlotClock func() (slot, unixTimestamp uint64)

// WallClock derives slots of slotMillis from the system clock, counting from
// genesisUnix.
func WallClock(genesisUnix, slotMillis uint64) SlotClock {
	return func() (uint64, uint64) {
		now := time.Now()
		millis := uint64(now.UnixMilli())
		genesis := genesisUnix * 1000
		var slot uint64
		if slotMillis > 0 && millis > genesis {
			slot = (millis - genesis) / slotMillis
		}
		return slot, uint64(now.Unix())
	}
}

// Local adapts an in-process risk engine fed by a PriceBook.
type Local struct {
	engine   *lending.Engine
	prices   *lending.PriceBook
	clock    SlotClock
	reserves map[string]crypto.Address
}

// NewLocal wires the adapter. reserves maps upper-case symbols to reserve
// addresses for the price feed.
func NewLocal(engine *lending.Engine, prices *lending.PriceBook, clock SlotClock, reserves map[string]crypto.Address) *Local {
	directory := make(map[string]crypto.Address, len(reserves))
	for symbol, addr := range reserves {
		directory[strings.ToUpper(strings.TrimSpace(symbol))] = addr
	}
	return &Local{engine: engine, prices: prices, clock: clock, reserves: directory}
}

func (l *Local) begin(ctx context.Context) error {
	if l == nil || l.engine == nil {
		return ErrUnavailable
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.clock != nil {
		l.engine.SetClock(l.clock())
	}
	return nil
}

// Health evaluates the obligation at current prices without persisting.
func (l *Local) Health(ctx context.Context, obligation crypto.Address) (lending.HealthReport, error) {
	if err := l.begin(ctx); err != nil {
		return lending.HealthReport{}, err
	}
	return l.engine.Health(obligation)
}

// Refresh refreshes and persists the obligation and its reserves.
func (l *Local) Refresh(ctx context.Context, obligation crypto.Address) (lending.HealthReport, error) {
	if err := l.begin(ctx); err != nil {
		return lending.HealthReport{}, err
	}
	return l.engine.Refresh(obligation)
}

func (l *Local) PreviewLiquidation(ctx context.Context, req lending.LiquidateRequest) (lending.LiquidationResult, error) {
	if err := l.begin(ctx); err != nil {
		return lending.LiquidationResult{}, err
	}
	return l.engine.PreviewLiquidation(req)
}

// Liquidate refreshes every referenced entity and liquidates in a single
// operation.
func (l *Local) Liquidate(ctx context.Context, req lending.LiquidateRequest) (lending.LiquidationResult, error) {
	if err := l.begin(ctx); err != nil {
		return lending.LiquidationResult{}, err
	}
	return l.engine.RefreshAndLiquidate(req)
}

// ReserveRates reports utilisation and interest rates of the reserve
// registered under symbol.
func (l *Local) ReserveRates(ctx context.Context, symbol string) (lending.ReserveRates, error) {
	if err := l.begin(ctx); err != nil {
		return lending.ReserveRates{}, err
	}
	addr, err := l.Reserve(symbol)
	if err != nil {
		return lending.ReserveRates{}, err
	}
	return l.engine.ReserveRates(addr)
}

// PushPrice records a sample for the reserve registered under symbol. It
// reports false when the sample is older than the one held.
func (l *Local) PushPrice(ctx context.Context, symbol string, sample lending.PriceSample) (bool, error) {
	if l == nil || l.prices == nil {
		return false, ErrUnavailable
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	addr, err := l.Reserve(symbol)
	if err != nil {
		return false, err
	}
	return l.prices.Set(addr, sample), nil
}

// Reserve resolves a reserve symbol.
func (l *Local) Reserve(symbol string) (crypto.Address, error) {
	addr, ok := l.reserves[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return crypto.Address{}, fmt.Errorf("%w: %q", ErrUnknownReserve, symbol)
	}
	return addr, nil
}
