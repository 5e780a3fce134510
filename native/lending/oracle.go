package lending

import (
	"fmt"
	"sync"

	"lendguard/crypto"
)

// PriceSample is an already-fetched oracle observation in quote currency per
// whole token.
type PriceSample struct {
	Price      Fraction
	Confidence Fraction
	Timestamp  uint64
}

// OracleGateway supplies the latest price sample for a reserve.
type OracleGateway interface {
	Price(reserve crypto.Address) (PriceSample, error)
}

// ValidatePrice checks a sample against the reserve's oracle bounds at time
// now and returns the usable price. Every rejection is an ErrStalePrice.
func ValidatePrice(sample PriceSample, cfg OracleConfig, now uint64) (Fraction, error) {
	if sample.Price.IsZero() {
		return Fraction{}, fmt.Errorf("%w: zero price", ErrStalePrice)
	}
	var age uint64
	if now > sample.Timestamp {
		age = now - sample.Timestamp
	}
	if age > cfg.MaxAgeSeconds {
		return Fraction{}, fmt.Errorf("%w: price is %ds old, max %ds", ErrStalePrice, age, cfg.MaxAgeSeconds)
	}
	if cfg.MaxConfidenceBps > 0 {
		bound, err := sample.Price.Mul(FractionFromBps(cfg.MaxConfidenceBps))
		if err != nil {
			return Fraction{}, err
		}
		if sample.Confidence.Gt(bound) {
			return Fraction{}, fmt.Errorf("%w: confidence %s exceeds %d bps of price %s", ErrStalePrice, sample.Confidence, cfg.MaxConfidenceBps, sample.Price)
		}
	}
	if !cfg.PriceLowerBound.IsZero() && sample.Price.Lt(cfg.PriceLowerBound) {
		return Fraction{}, fmt.Errorf("%w: price %s below lower bound %s", ErrStalePrice, sample.Price, cfg.PriceLowerBound)
	}
	if !cfg.PriceUpperBound.IsZero() && sample.Price.Gt(cfg.PriceUpperBound) {
		return Fraction{}, fmt.Errorf("%w: price %s above upper bound %s", ErrStalePrice, sample.Price, cfg.PriceUpperBound)
	}
	return sample.Price, nil
}

// PriceBook is an in-memory OracleGateway fed by an external price pusher.
type PriceBook struct {
	mu      sync.RWMutex
	samples map[crypto.Address]PriceSample
}

func NewPriceBook() *PriceBook {
	return &PriceBook{samples: make(map[crypto.Address]PriceSample)}
}

// Set records the latest sample for reserve, ignoring samples older than the
// one already held.
func (b *PriceBook) Set(reserve crypto.Address, sample PriceSample) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if current, ok := b.samples[reserve]; ok && current.Timestamp > sample.Timestamp {
		return false
	}
	b.samples[reserve] = sample
	return true
}

// Price implements OracleGateway.
func (b *PriceBook) Price(reserve crypto.Address) (PriceSample, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sample, ok := b.samples[reserve]
	if !ok {
		return PriceSample{}, fmt.Errorf("%w: no price for reserve %s", ErrStalePrice, reserve.Encode(crypto.ReservePrefix))
	}
	return sample, nil
}
