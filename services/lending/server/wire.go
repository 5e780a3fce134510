package server

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"lendguard/crypto"
	"lendguard/native/lending"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type healthResponse struct {
	Obligation                    string          `json:"obligation"`
	DepositedValue                decimal.Decimal `json:"depositedValue"`
	BorrowedValue                 decimal.Decimal `json:"borrowedValue"`
	BorrowFactorAdjustedDebtValue decimal.Decimal `json:"borrowFactorAdjustedDebtValue"`
	AllowedBorrowValue            decimal.Decimal `json:"allowedBorrowValue"`
	UnhealthyBorrowValue          decimal.Decimal `json:"unhealthyBorrowValue"`
	UserLTV                       decimal.Decimal `json:"userLtv"`
	NoBFLTV                       decimal.Decimal `json:"noBfLtv"`
	UnhealthyLTV                  decimal.Decimal `json:"unhealthyLtv"`
	HasDebt                       bool            `json:"hasDebt"`
	Liquidatable                  bool            `json:"liquidatable"`
}

func toHealthResponse(obligation crypto.Address, report lending.HealthReport) healthResponse {
	return healthResponse{
		Obligation:                    obligation.String(),
		DepositedValue:                report.DepositedValue.Decimal(),
		BorrowedValue:                 report.BorrowedValue.Decimal(),
		BorrowFactorAdjustedDebtValue: report.BorrowFactorAdjustedDebtValue.Decimal(),
		AllowedBorrowValue:            report.AllowedBorrowValue.Decimal(),
		UnhealthyBorrowValue:          report.UnhealthyBorrowValue.Decimal(),
		UserLTV:                       report.UserLTV.Decimal(),
		NoBFLTV:                       report.NoBFLTV.Decimal(),
		UnhealthyLTV:                  report.UnhealthyLTV.Decimal(),
		HasDebt:                       report.HasDebt(),
		Liquidatable:                  report.HasCollateral() && report.HasDebt() && report.UserLTV.Gte(report.UnhealthyLTV),
	}
}

type liquidateRequest struct {
	Liquidator        string   `json:"liquidator"`
	Obligation        string   `json:"obligation"`
	RepayReserve      string   `json:"repayReserve"`
	WithdrawReserve   string   `json:"withdrawReserve"`
	LiquidityAmount   string   `json:"liquidityAmount"`
	MinReceivedAmount string   `json:"minReceivedAmount"`
	LTVOverridePct    uint64   `json:"ltvOverridePct"`
	RemainingReserves []string `json:"remainingReserves"`
}

func (r liquidateRequest) toEngine() (lending.LiquidateRequest, error) {
	var (
		out lending.LiquidateRequest
		err error
	)
	if out.Liquidator, err = parseAddress("liquidator", r.Liquidator); err != nil {
		return out, err
	}
	if out.Obligation, err = parseAddress("obligation", r.Obligation); err != nil {
		return out, err
	}
	if out.RepayReserve, err = parseAddress("repayReserve", r.RepayReserve); err != nil {
		return out, err
	}
	if out.WithdrawReserve, err = parseAddress("withdrawReserve", r.WithdrawReserve); err != nil {
		return out, err
	}
	if out.LiquidityAmount, err = parseAmount("liquidityAmount", r.LiquidityAmount, true); err != nil {
		return out, err
	}
	if out.MinAcceptableReceivedLiquidityAmount, err = parseAmount("minReceivedAmount", r.MinReceivedAmount, false); err != nil {
		return out, err
	}
	if len(r.RemainingReserves) > lending.MaxRemainingReserves {
		return out, fmt.Errorf("remainingReserves: at most %d entries", lending.MaxRemainingReserves)
	}
	for i, ref := range r.RemainingReserves {
		addr, err := parseAddress(fmt.Sprintf("remainingReserves[%d]", i), ref)
		if err != nil {
			return out, err
		}
		out.RemainingReserves = append(out.RemainingReserves, addr)
	}
	out.MaxAllowedLTVOverridePercent = r.LTVOverridePct
	return out, nil
}

type eligibilityResponse struct {
	State      string          `json:"state"`
	Reason     string          `json:"reason"`
	UserLTV    decimal.Decimal `json:"userLtv"`
	Threshold  decimal.Decimal `json:"threshold"`
	Overridden bool            `json:"overridden"`
}

type liquidationResponse struct {
	Operation         string              `json:"operation"`
	Obligation        string              `json:"obligation"`
	RepayReserve      string              `json:"repayReserve"`
	WithdrawReserve   string              `json:"withdrawReserve"`
	Eligibility       eligibilityResponse `json:"eligibility"`
	RepayAmount       string              `json:"repayAmount"`
	SettleAmount      decimal.Decimal     `json:"settleAmount"`
	WithdrawAmount    string              `json:"withdrawAmount"`
	Bonus             decimal.Decimal     `json:"bonus"`
	Closeout          bool                `json:"closeout"`
	ProtocolFee       string              `json:"protocolFee"`
	NetWithdrawAmount string              `json:"netWithdrawAmount"`
	RedeemedAmount    string              `json:"redeemedAmount"`
	ClaimAmount       string              `json:"claimAmount"`
	ClaimObligation   string              `json:"claimObligation,omitempty"`
	NetVaultDelta     int64               `json:"netVaultDelta"`
	SameReserve       bool                `json:"sameReserve"`
	Committed         bool                `json:"committed"`
}

func toLiquidationResponse(res lending.LiquidationResult, committed bool) liquidationResponse {
	var claim string
	if res.ClaimAmount > 0 {
		claim = res.ClaimObligation.String()
	}
	return liquidationResponse{
		Operation:       res.Operation.String(),
		Obligation:      res.Obligation.String(),
		RepayReserve:    res.RepayReserve.Encode(crypto.ReservePrefix),
		WithdrawReserve: res.WithdrawReserve.Encode(crypto.ReservePrefix),
		Eligibility: eligibilityResponse{
			State:      res.Eligibility.State.String(),
			Reason:     res.Eligibility.Reason.String(),
			UserLTV:    res.Eligibility.UserLTV.Decimal(),
			Threshold:  res.Eligibility.Threshold.Decimal(),
			Overridden: res.Eligibility.Overridden,
		},
		RepayAmount:       formatUint(res.Params.RepayAmount),
		SettleAmount:      res.Params.SettleAmount.Decimal(),
		WithdrawAmount:    formatUint(res.Params.WithdrawAmount),
		Bonus:             res.Params.Bonus.Decimal(),
		Closeout:          res.Params.Closeout,
		ProtocolFee:       formatUint(res.ProtocolFee),
		NetWithdrawAmount: formatUint(res.NetWithdrawAmount),
		RedeemedAmount:    formatUint(res.RedeemedAmount),
		ClaimAmount:       formatUint(res.ClaimAmount),
		ClaimObligation:   claim,
		NetVaultDelta:     res.NetVaultDelta,
		SameReserve:       res.SameReserve,
		Committed:         committed,
	}
}

type reserveResponse struct {
	Symbol       string          `json:"symbol"`
	Reserve      string          `json:"reserve"`
	Status       string          `json:"status"`
	Available    string          `json:"available"`
	Borrowed     decimal.Decimal `json:"borrowed"`
	Utilisation  decimal.Decimal `json:"utilisation"`
	BorrowAPR    decimal.Decimal `json:"borrowApr"`
	SupplyAPY    decimal.Decimal `json:"supplyApy"`
	DepositLimit string          `json:"depositLimit"`
	BorrowLimit  string          `json:"borrowLimit"`
	ProtocolFees decimal.Decimal `json:"protocolFees"`
}

func toReserveResponse(symbol string, rates lending.ReserveRates) reserveResponse {
	return reserveResponse{
		Symbol:       strings.ToUpper(strings.TrimSpace(symbol)),
		Reserve:      rates.Reserve.Encode(crypto.ReservePrefix),
		Status:       rates.Status.String(),
		Available:    formatUint(rates.Available),
		Borrowed:     rates.Borrowed.Decimal(),
		Utilisation:  rates.Utilisation.Decimal(),
		BorrowAPR:    rates.BorrowAPR.Decimal(),
		SupplyAPY:    rates.SupplyAPY.Decimal(),
		DepositLimit: formatUint(rates.DepositLimit),
		BorrowLimit:  formatUint(rates.BorrowLimit),
		ProtocolFees: rates.ProtocolFees.Decimal(),
	}
}

type priceRequest struct {
	Symbol     string `json:"symbol"`
	Price      string `json:"price"`
	Confidence string `json:"confidence"`
	Timestamp  uint64 `json:"timestamp"`
}

type priceResponse struct {
	Symbol   string `json:"symbol"`
	Accepted bool   `json:"accepted"`
}

func (r priceRequest) toSample() (lending.PriceSample, error) {
	price, err := parseDecimal("price", r.Price, true)
	if err != nil {
		return lending.PriceSample{}, err
	}
	confidence, err := parseDecimal("confidence", r.Confidence, false)
	if err != nil {
		return lending.PriceSample{}, err
	}
	if r.Timestamp == 0 {
		return lending.PriceSample{}, fmt.Errorf("timestamp required")
	}
	return lending.PriceSample{Price: price, Confidence: confidence, Timestamp: r.Timestamp}, nil
}

func parseAddress(field, value string) (crypto.Address, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return crypto.Address{}, fmt.Errorf("%s required", field)
	}
	addr, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%s: %w", field, err)
	}
	return addr, nil
}

func parseAmount(field, value string, required bool) (uint64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		if required {
			return 0, fmt.Errorf("%s required", field)
		}
		return 0, nil
	}
	amount, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid amount %q", field, value)
	}
	return amount, nil
}

func parseDecimal(field, value string, required bool) (lending.Fraction, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		if required {
			return lending.Fraction{}, fmt.Errorf("%s required", field)
		}
		return lending.Fraction{}, nil
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return lending.Fraction{}, fmt.Errorf("%s: %w", field, err)
	}
	if d.IsNegative() {
		return lending.Fraction{}, fmt.Errorf("%s must not be negative", field)
	}
	if -d.Exponent() > lending.FractionDecimals {
		return lending.Fraction{}, fmt.Errorf("%s: more than %d decimal places", field, lending.FractionDecimals)
	}
	return lending.ParseFraction(d.String())
}

func formatUint(value uint64) string {
	return strconv.FormatUint(value, 10)
}
