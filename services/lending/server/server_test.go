package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"lendguard/crypto"
	nativecommon "lendguard/native/common"
	"lendguard/native/lending"
	"lendguard/services/lending/engine"
	statelending "lendguard/state/lending"
	"lendguard/storage"
)

func testAddress(suffix byte) crypto.Address {
	var addr crypto.Address
	addr[0] = 0xC0
	addr[crypto.AddressLength-1] = suffix
	return addr
}

type fakeEngine struct {
	health    lending.HealthReport
	result    lending.LiquidationResult
	accepted  bool
	err       error
	liquidate []lending.LiquidateRequest
	prices    []lending.PriceSample
	rates     lending.ReserveRates
}

func (f *fakeEngine) Health(context.Context, crypto.Address) (lending.HealthReport, error) {
	return f.health, f.err
}

func (f *fakeEngine) Refresh(context.Context, crypto.Address) (lending.HealthReport, error) {
	return f.health, f.err
}

func (f *fakeEngine) PreviewLiquidation(_ context.Context, req lending.LiquidateRequest) (lending.LiquidationResult, error) {
	return f.result, f.err
}

func (f *fakeEngine) Liquidate(_ context.Context, req lending.LiquidateRequest) (lending.LiquidationResult, error) {
	f.liquidate = append(f.liquidate, req)
	return f.result, f.err
}

func (f *fakeEngine) PushPrice(_ context.Context, _ string, sample lending.PriceSample) (bool, error) {
	f.prices = append(f.prices, sample)
	return f.accepted, f.err
}

func (f *fakeEngine) Reserve(string) (crypto.Address, error) {
	return crypto.Address{}, f.err
}

func (f *fakeEngine) ReserveRates(context.Context, string) (lending.ReserveRates, error) {
	return f.rates, f.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(eng engine.Engine, cfg Config) http.Handler {
	return New(eng, quietLogger(), cfg).Handler()
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var out errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func validLiquidateBody() liquidateRequest {
	return liquidateRequest{
		Liquidator:      testAddress(1).String(),
		Obligation:      testAddress(2).String(),
		RepayReserve:    testAddress(3).Encode(crypto.ReservePrefix),
		WithdrawReserve: testAddress(4).Encode(crypto.ReservePrefix),
		LiquidityAmount: "1000",
	}
}

var bearer = map[string]string{"Authorization": "Bearer secret"}

func TestToStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{context.DeadlineExceeded, http.StatusGatewayTimeout, "deadline_exceeded"},
		{context.Canceled, http.StatusServiceUnavailable, "canceled"},
		{engine.ErrUnavailable, http.StatusServiceUnavailable, "unavailable"},
		{fmt.Errorf("%w: %q", engine.ErrUnknownReserve, "BTC"), http.StatusNotFound, "unknown_reserve"},
		{nativecommon.ErrModulePaused, http.StatusServiceUnavailable, "paused"},
		{lending.ErrNotAuthorized, http.StatusForbidden, "not_authorized"},
		{lending.ErrNotLiquidatable, http.StatusUnprocessableEntity, "not_liquidatable"},
		{lending.ErrLiquidationRewardTooSmall, http.StatusUnprocessableEntity, "reward_too_small"},
		{lending.ErrStalePrice, http.StatusConflict, "stale_price"},
		{lending.ErrStaleState, http.StatusConflict, "stale_state"},
		{lending.ErrInvalidAccount, http.StatusBadRequest, "invalid_request"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		status, code := toStatus(tc.err)
		require.Equal(t, tc.status, status, tc.err.Error())
		require.Equal(t, tc.code, code, tc.err.Error())
	}
}

func TestHealthz(t *testing.T) {
	h := newTestService(&fakeEngine{}, Config{})
	rec := doRequest(t, h, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
}

func TestHealthRejectsBadAddress(t *testing.T) {
	h := newTestService(&fakeEngine{}, Config{})
	rec := doRequest(t, h, http.MethodGet, "/v1/obligations/not-bech32/health", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_request", decodeError(t, rec).Error)
}

func TestHealthMapsEngineErrors(t *testing.T) {
	fake := &fakeEngine{err: fmt.Errorf("reserve: %w", lending.ErrStalePrice)}
	h := newTestService(fake, Config{})
	rec := doRequest(t, h, http.MethodGet, "/v1/obligations/"+testAddress(2).String()+"/health", nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "stale_price", decodeError(t, rec).Error)
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	fake := &fakeEngine{err: errors.New("leveldb: corrupted block 0xdeadbeef")}
	h := newTestService(fake, Config{})
	rec := doRequest(t, h, http.MethodGet, "/v1/obligations/"+testAddress(2).String()+"/health", nil, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeError(t, rec)
	require.Equal(t, "internal error", resp.Message)
	require.NotContains(t, rec.Body.String(), "deadbeef")
}

func TestPreviewDoesNotRequireAuth(t *testing.T) {
	fake := &fakeEngine{result: lending.LiquidationResult{
		Params:      lending.LiquidationParams{RepayAmount: 140, WithdrawAmount: 150},
		ProtocolFee: 1,
	}}
	h := newTestService(fake, Config{})
	rec := doRequest(t, h, http.MethodPost, "/v1/liquidations/preview", validLiquidateBody(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp liquidationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "140", resp.RepayAmount)
	require.Equal(t, "150", resp.WithdrawAmount)
	require.False(t, resp.Committed)
}

func TestPreviewRejectsMalformedBodies(t *testing.T) {
	h := newTestService(&fakeEngine{}, Config{})

	body := validLiquidateBody()
	body.LiquidityAmount = "-5"
	rec := doRequest(t, h, http.MethodPost, "/v1/liquidations/preview", body, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body = validLiquidateBody()
	body.RemainingReserves = make([]string, lending.MaxRemainingReserves+1)
	rec = doRequest(t, h, http.MethodPost, "/v1/liquidations/preview", body, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/v1/liquidations/preview", map[string]string{"bogus": "1"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMutatingRoutesRequireAuth(t *testing.T) {
	fake := &fakeEngine{}
	unconfigured := newTestService(fake, Config{})
	rec := doRequest(t, unconfigured, http.MethodPost, "/v1/liquidations", validLiquidateBody(), bearer)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "auth_not_configured", decodeError(t, rec).Error)

	h := newTestService(fake, Config{Auth: AuthConfig{APITokens: []string{"secret"}}})
	rec = doRequest(t, h, http.MethodPost, "/v1/liquidations", validLiquidateBody(), nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = doRequest(t, h, http.MethodPost, "/v1/liquidations", validLiquidateBody(), map[string]string{"X-API-Token": "wrong"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Empty(t, fake.liquidate)

	rec = doRequest(t, h, http.MethodPost, "/v1/liquidations", validLiquidateBody(), bearer)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, fake.liquidate, 1)
	require.Equal(t, uint64(1000), fake.liquidate[0].LiquidityAmount)

	var resp liquidationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Committed)
}

func TestLiquidateMapsIneligible(t *testing.T) {
	fake := &fakeEngine{err: lending.ErrNotLiquidatable}
	h := newTestService(fake, Config{Auth: AuthConfig{APITokens: []string{"secret"}}})
	rec := doRequest(t, h, http.MethodPost, "/v1/liquidations", validLiquidateBody(), bearer)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, "not_liquidatable", decodeError(t, rec).Error)
}

func TestPreviewRateLimited(t *testing.T) {
	h := newTestService(&fakeEngine{}, Config{Preview: RateLimit{RequestsPerMinute: 1, Burst: 1}})
	rec := doRequest(t, h, http.MethodPost, "/v1/liquidations/preview", validLiquidateBody(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(t, h, http.MethodPost, "/v1/liquidations/preview", validLiquidateBody(), nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "rate_limited", decodeError(t, rec).Error)
}

func TestPushPriceValidation(t *testing.T) {
	fake := &fakeEngine{accepted: true}
	h := newTestService(fake, Config{Auth: AuthConfig{APITokens: []string{"secret"}}})

	rec := doRequest(t, h, http.MethodPost, "/v1/prices", priceRequest{Symbol: "SOL", Price: "1.5", Timestamp: 10}, bearer)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, fake.prices, 1)
	require.Equal(t, "1.5", fake.prices[0].Price.String())

	for _, bad := range []priceRequest{
		{Symbol: "SOL", Price: "-1", Timestamp: 10},
		{Symbol: "SOL", Price: "1", Timestamp: 0},
		{Symbol: "SOL", Price: "0.0000000000000000001", Timestamp: 10},
		{Symbol: "SOL", Timestamp: 10},
	} {
		rec = doRequest(t, h, http.MethodPost, "/v1/prices", bad, bearer)
		require.Equal(t, http.StatusBadRequest, rec.Code, bad.Price)
	}
	require.Len(t, fake.prices, 1)
}

func TestUnavailableEngine(t *testing.T) {
	h := New(nil, quietLogger(), Config{}).Handler()
	rec := doRequest(t, h, http.MethodGet, "/v1/obligations/"+testAddress(2).String()+"/health", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServiceOverLocalEngine(t *testing.T) {
	market := &lending.LendingMarket{
		Address:                          testAddress(10),
		Owner:                            testAddress(11),
		LiquidationMaxDebtCloseFactorPct: 20,
		InsolvencyRiskUnhealthyLTVPct:    95,
	}
	cfg := lending.DefaultReserveConfig()
	cfg.Oracle.MaxConfidenceBps = 0
	reserve := &lending.Reserve{
		Address:       testAddress(12),
		LendingMarket: market.Address,
		Liquidity:     lending.ReserveLiquidity{MintDecimals: 6, AvailableAmount: 1_000_000_000},
		Config:        cfg,
	}

	store := statelending.NewStore(storage.NewMemDB())
	prices := lending.NewPriceBook()
	core := lending.NewEngine(store, prices)
	core.SetClock(10, 1_000)
	require.NoError(t, core.ApplyGenesis(market, []*lending.Reserve{reserve}))

	owner := testAddress(13)
	obligation := testAddress(14)
	require.NoError(t, core.Atomic(func(op *lending.Operation) error {
		if err := op.InitObligation(market.Address, owner, obligation); err != nil {
			return err
		}
		return op.DepositCollateral(owner, obligation, reserve.Address, 5_000_000)
	}))

	clock := func() (uint64, uint64) { return 10, 1_000 }
	local := engine.NewLocal(core, prices, clock, map[string]crypto.Address{"sol": reserve.Address})
	h := newTestService(local, Config{Auth: AuthConfig{APITokens: []string{"secret"}}})

	healthPath := "/v1/obligations/" + obligation.String() + "/health"
	rec := doRequest(t, h, http.MethodGet, healthPath, nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	rec = doRequest(t, h, http.MethodPost, "/v1/prices", priceRequest{Symbol: "SOL", Price: "2", Timestamp: 1_000}, bearer)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var pushed priceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pushed))
	require.True(t, pushed.Accepted)

	rec = doRequest(t, h, http.MethodPost, "/v1/prices", priceRequest{Symbol: "BTC", Price: "2", Timestamp: 1_000}, bearer)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, h, http.MethodGet, healthPath, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var health healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	require.True(t, health.DepositedValue.Equal(decimal.NewFromInt(10)), health.DepositedValue.String())
	require.False(t, health.HasDebt)
	require.False(t, health.Liquidatable)

	rec = doRequest(t, h, http.MethodPost, "/v1/obligations/"+obligation.String()+"/refresh", nil, bearer)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	stored, err := store.GetObligation(obligation)
	require.NoError(t, err)
	require.False(t, stored.LastUpdate.IsStale(10))
}

func TestReserveRates(t *testing.T) {
	util, err := lending.ParseFraction("0.25")
	require.NoError(t, err)
	fake := &fakeEngine{rates: lending.ReserveRates{Reserve: testAddress(3), Available: 750, Utilisation: util}}
	h := newTestService(fake, Config{})

	rec := doRequest(t, h, http.MethodGet, "/v1/reserves/sol", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp reserveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "SOL", resp.Symbol)
	require.Equal(t, testAddress(3).Encode(crypto.ReservePrefix), resp.Reserve)
	require.Equal(t, "750", resp.Available)
	require.True(t, resp.Utilisation.Equal(decimal.RequireFromString("0.25")), resp.Utilisation.String())

	fake.err = fmt.Errorf("%w: %q", engine.ErrUnknownReserve, "BTC")
	rec = doRequest(t, h, http.MethodGet, "/v1/reserves/btc", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "unknown_reserve", decodeError(t, rec).Error)
}

func TestLiquidationResponseReportsClaim(t *testing.T) {
	resp := toLiquidationResponse(lending.LiquidationResult{
		Eligibility:     lending.Eligibility{Reason: lending.ReasonMarketDeleverage},
		RedeemedAmount:  1_000_000,
		ClaimAmount:     793_750,
		ClaimObligation: testAddress(9),
	}, true)
	require.Equal(t, "1000000", resp.RedeemedAmount)
	require.Equal(t, "793750", resp.ClaimAmount)
	require.Equal(t, testAddress(9).String(), resp.ClaimObligation)
	require.Equal(t, "market_deleverage", resp.Eligibility.Reason)

	resp = toLiquidationResponse(lending.LiquidationResult{RedeemedAmount: 5}, false)
	require.Empty(t, resp.ClaimObligation)
}
