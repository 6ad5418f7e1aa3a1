// Package calculator implements the finance calculators shown on the
// marketing site. All arithmetic is decimal and results are rounded to
// pence.
package calculator

import (
	"errors"

	"github.com/shopspring/decimal"
)

const (
	KindBusinessLoan  = "business-loan"
	KindEquipment     = "equipment"
	KindVehicle       = "vehicle"
	KindInvoice       = "invoice"
	KindAffordability = "affordability"
)

var (
	ErrUnknownKind      = errors.New("unknown calculator")
	ErrDepositTooLarge  = errors.New("deposit must be less than the price")
	ErrBalloonTooLarge  = errors.New("balloon must be less than the amount financed")
	ErrNoAffordableDebt = errors.New("no surplus available for repayments")
)

var (
	hundred = decimal.NewFromInt(100)
	twelve  = decimal.NewFromInt(12)

	// Lenders look for income to cover repayments 1.25 times over.
	debtServiceCover = decimal.RequireFromString("1.25")

	defaultAdvancePercent = decimal.NewFromInt(85)
	defaultFeePercent     = decimal.RequireFromString("2.5")
)

type LoanRequest struct {
	Amount     float64 `json:"amount" validate:"required,gt=0,lte=10000000"`
	AnnualRate float64 `json:"annual_rate" validate:"gte=0,lte=100"`
	TermMonths int     `json:"term_months" validate:"required,min=1,max=360"`
}

type EquipmentRequest struct {
	Price          float64 `json:"price" validate:"required,gt=0,lte=10000000"`
	Deposit        float64 `json:"deposit" validate:"gte=0"`
	DepositPercent float64 `json:"deposit_percent" validate:"gte=0,lt=100"`
	AnnualRate     float64 `json:"annual_rate" validate:"gte=0,lte=100"`
	TermMonths     int     `json:"term_months" validate:"required,min=1,max=120"`
}

type VehicleRequest struct {
	Price      float64 `json:"price" validate:"required,gt=0,lte=5000000"`
	Deposit    float64 `json:"deposit" validate:"gte=0"`
	Balloon    float64 `json:"balloon" validate:"gte=0"`
	AnnualRate float64 `json:"annual_rate" validate:"gte=0,lte=100"`
	TermMonths int     `json:"term_months" validate:"required,min=1,max=84"`
}

type InvoiceRequest struct {
	InvoiceValue   float64 `json:"invoice_value" validate:"required,gt=0,lte=10000000"`
	AdvancePercent float64 `json:"advance_percent" validate:"gte=0,lte=100"`
	FeePercent     float64 `json:"fee_percent" validate:"gte=0,lte=20"`
}

type AffordabilityRequest struct {
	MonthlyRevenue   float64 `json:"monthly_revenue" validate:"required,gt=0"`
	MonthlyExpenses  float64 `json:"monthly_expenses" validate:"gte=0"`
	ExistingPayments float64 `json:"existing_payments" validate:"gte=0"`
	AnnualRate       float64 `json:"annual_rate" validate:"gte=0,lte=100"`
	TermMonths       int     `json:"term_months" validate:"required,min=1,max=360"`
}

type Repayment struct {
	Financed        decimal.Decimal `json:"financed"`
	MonthlyPayment  decimal.Decimal `json:"monthly_payment"`
	TotalRepayable  decimal.Decimal `json:"total_repayable"`
	TotalInterest   decimal.Decimal `json:"total_interest"`
	TermMonths      int             `json:"term_months"`
	Deposit         decimal.Decimal `json:"deposit"`
	Balloon         decimal.Decimal `json:"balloon"`
	TotalCostOfItem decimal.Decimal `json:"total_cost"`
}

type InvoiceResult struct {
	InvoiceValue   decimal.Decimal `json:"invoice_value"`
	Advance        decimal.Decimal `json:"advance"`
	Fee            decimal.Decimal `json:"fee"`
	Remainder      decimal.Decimal `json:"remainder"`
	NetReceived    decimal.Decimal `json:"net_received"`
	AdvancePercent decimal.Decimal `json:"advance_percent"`
	FeePercent     decimal.Decimal `json:"fee_percent"`
}

type AffordabilityResult struct {
	MonthlySurplus    decimal.Decimal `json:"monthly_surplus"`
	MaxMonthlyPayment decimal.Decimal `json:"max_monthly_payment"`
	MaxBorrowing      decimal.Decimal `json:"max_borrowing"`
	TermMonths        int             `json:"term_months"`
}

func money(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

func monthlyRate(annualPercent float64) decimal.Decimal {
	return decimal.NewFromFloat(annualPercent).Div(hundred).Div(twelve)
}

// discount returns (1+r)^-n.
func discount(r decimal.Decimal, n int) decimal.Decimal {
	growth := decimal.NewFromInt(1).Add(r).Pow(decimal.NewFromInt(int64(n)))
	return decimal.NewFromInt(1).Div(growth)
}

// annuity is the level monthly payment that repays principal over n months
// leaving balloon outstanding at the end.
func annuity(principal, balloon, r decimal.Decimal, n int) decimal.Decimal {
	months := decimal.NewFromInt(int64(n))
	if r.IsZero() {
		return principal.Sub(balloon).Div(months)
	}
	v := discount(r, n)
	return principal.Sub(balloon.Mul(v)).Mul(r).Div(decimal.NewFromInt(1).Sub(v))
}

// presentValue is the principal that payment services over n months.
func presentValue(payment, r decimal.Decimal, n int) decimal.Decimal {
	if r.IsZero() {
		return payment.Mul(decimal.NewFromInt(int64(n)))
	}
	return payment.Mul(decimal.NewFromInt(1).Sub(discount(r, n))).Div(r)
}

func repayment(financed, balloon decimal.Decimal, annualRate float64, n int) Repayment {
	monthly := money(annuity(financed, balloon, monthlyRate(annualRate), n))
	total := monthly.Mul(decimal.NewFromInt(int64(n))).Add(balloon)
	return Repayment{
		Financed:       money(financed),
		MonthlyPayment: monthly,
		TotalRepayable: money(total),
		TotalInterest:  money(total.Sub(financed)),
		TermMonths:     n,
		Balloon:        money(balloon),
	}
}

func BusinessLoan(req LoanRequest) Repayment {
	return repayment(decimal.NewFromFloat(req.Amount), decimal.Zero, req.AnnualRate, req.TermMonths)
}

// Equipment takes the deposit as an amount, or as a percentage of the
// price when no amount is given.
func Equipment(req EquipmentRequest) (Repayment, error) {
	price := decimal.NewFromFloat(req.Price)
	deposit := decimal.NewFromFloat(req.Deposit)
	if deposit.IsZero() && req.DepositPercent > 0 {
		deposit = price.Mul(decimal.NewFromFloat(req.DepositPercent)).Div(hundred)
	}
	deposit = money(deposit)
	if deposit.GreaterThanOrEqual(price) {
		return Repayment{}, ErrDepositTooLarge
	}
	out := repayment(price.Sub(deposit), decimal.Zero, req.AnnualRate, req.TermMonths)
	out.Deposit = deposit
	out.TotalCostOfItem = out.TotalRepayable.Add(deposit)
	return out, nil
}

// Vehicle prices a balloon (PCP style) agreement when Balloon is set and a
// plain hire purchase otherwise.
func Vehicle(req VehicleRequest) (Repayment, error) {
	price := decimal.NewFromFloat(req.Price)
	deposit := money(decimal.NewFromFloat(req.Deposit))
	if deposit.GreaterThanOrEqual(price) {
		return Repayment{}, ErrDepositTooLarge
	}
	financed := price.Sub(deposit)
	balloon := money(decimal.NewFromFloat(req.Balloon))
	if balloon.GreaterThanOrEqual(financed) {
		return Repayment{}, ErrBalloonTooLarge
	}
	out := repayment(financed, balloon, req.AnnualRate, req.TermMonths)
	out.Deposit = deposit
	out.TotalCostOfItem = out.TotalRepayable.Add(deposit)
	return out, nil
}

// Invoice splits an invoice into the upfront advance, the factoring fee
// and the remainder released when the customer pays. The business always
// nets the invoice value less the fee; an advance that would eat into the
// fee is capped. Zero percentages fall back to typical facility terms.
func Invoice(req InvoiceRequest) InvoiceResult {
	value := decimal.NewFromFloat(req.InvoiceValue)
	advancePct := defaultAdvancePercent
	if req.AdvancePercent > 0 {
		advancePct = decimal.NewFromFloat(req.AdvancePercent)
	}
	feePct := defaultFeePercent
	if req.FeePercent > 0 {
		feePct = decimal.NewFromFloat(req.FeePercent)
	}

	fee := money(value.Mul(feePct).Div(hundred))
	net := money(value).Sub(fee)
	// The fee is deducted before anything is paid out, so the advance
	// never exceeds what the business actually receives.
	advance := decimal.Min(money(value.Mul(advancePct).Div(hundred)), net)
	return InvoiceResult{
		InvoiceValue:   money(value),
		Advance:        advance,
		Fee:            fee,
		Remainder:      net.Sub(advance),
		NetReceived:    net,
		AdvancePercent: advancePct,
		FeePercent:     feePct,
	}
}

// Affordability estimates the largest loan the monthly surplus supports.
func Affordability(req AffordabilityRequest) (AffordabilityResult, error) {
	surplus := decimal.NewFromFloat(req.MonthlyRevenue).
		Sub(decimal.NewFromFloat(req.MonthlyExpenses)).
		Sub(decimal.NewFromFloat(req.ExistingPayments))
	if !surplus.IsPositive() {
		return AffordabilityResult{}, ErrNoAffordableDebt
	}
	payment := money(surplus.Div(debtServiceCover))
	borrowing := presentValue(payment, monthlyRate(req.AnnualRate), req.TermMonths)
	return AffordabilityResult{
		MonthlySurplus:    money(surplus),
		MaxMonthlyPayment: payment,
		MaxBorrowing:      borrowing.RoundFloor(-2),
		TermMonths:        req.TermMonths,
	}, nil
}
