package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
	SideSpot  Side = "SPOT"
)

// Opposite returns the order direction that reduces a position held on
// the given side.
func (s Side) Opposite() OrderSide {
	if s == SideShort {
		return OrderSideBuy
	}
	return OrderSideSell
}

type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

type OrderStatus string

const (
	OrderStatusNew       OrderStatus = "NEW"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
)

func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusRejected
}

type FundingRate struct {
	Venue           string
	Symbol          string
	Rate            decimal.Decimal // per funding interval
	AnnualizedRate  decimal.Decimal // percent
	MarkPrice       decimal.Decimal
	IndexPrice      decimal.Decimal
	IntervalHours   int
	NextFundingTime time.Time
	Timestamp       time.Time
}

type PerpetualMarket struct {
	Venue         string
	Symbol        string
	BaseAsset     string
	QuoteAsset    string
	TickSize      decimal.Decimal
	LotSize       decimal.Decimal
	MaxLeverage   int
	IntervalHours int
	Active        bool
}

type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

type OrderBook struct {
	Venue     string
	Symbol    string
	Bids      []PriceLevel
	Asks      []PriceLevel
	Timestamp time.Time
}

func (ob *OrderBook) BestBid() (PriceLevel, bool) {
	if len(ob.Bids) == 0 {
		return PriceLevel{}, false
	}
	return ob.Bids[0], true
}

func (ob *OrderBook) BestAsk() (PriceLevel, bool) {
	if len(ob.Asks) == 0 {
		return PriceLevel{}, false
	}
	return ob.Asks[0], true
}

func (ob *OrderBook) MidPrice() (decimal.Decimal, bool) {
	bid, hasBid := ob.BestBid()
	ask, hasAsk := ob.BestAsk()
	if !hasBid || !hasAsk {
		return decimal.Zero, false
	}
	return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2)), true
}

// Position is a venue's view of an open contract. This system queries
// it but never owns it.
type Position struct {
	Venue            string
	Symbol           string
	Side             Side
	Size             decimal.Decimal
	EntryPrice       decimal.Decimal
	MarkPrice        decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	Leverage         int
	LiquidationPrice decimal.Decimal
	UpdatedAt        time.Time
}

type Balance struct {
	Venue  string
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
	Total  decimal.Decimal
}

type OrderSpec struct {
	Symbol     string
	Side       OrderSide
	Type       OrderType
	Quantity   decimal.Decimal
	Price      decimal.Decimal // zero for market orders
	ReduceOnly bool
}

type Order struct {
	Venue        string
	VenueOrderID string
	Symbol       string
	Side         OrderSide
	Type         OrderType
	Status       OrderStatus
	Quantity     decimal.Decimal
	FilledQty    decimal.Decimal
	AvgFillPrice decimal.Decimal
	ReduceOnly   bool
	CreatedAt    time.Time
}

type VenueRate struct {
	Venue string
	Rate  decimal.Decimal
}

type AggregatedFundingRate struct {
	Symbol           string
	Rates            map[string]decimal.Decimal // venue → per-interval rate
	MeanRate         decimal.Decimal
	MaxRate          VenueRate
	MinRate          VenueRate
	Spread           decimal.Decimal
	MeanAnnualized   decimal.Decimal
	MaxAnnualized    decimal.Decimal
	MinAnnualized    decimal.Decimal
	SpreadAnnualized decimal.Decimal
	VenueCount       int
	ComputedAt       time.Time
}

type FundingArbitrage struct {
	Symbol       string
	LongVenue    string
	LongRate     decimal.Decimal
	ShortVenue   string
	ShortRate    decimal.Decimal
	EstimatedAPR decimal.Decimal // annualized spread, percent
	RiskScore    int             // 0-100, lower is better
	VenueCount   int
	DetectedAt   time.Time
}

type YieldType string

const (
	YieldCashAndCarry YieldType = "cash_and_carry"
	YieldFundingArb   YieldType = "funding_arb"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

type YieldOpportunity struct {
	Type            YieldType
	Venue           string
	Symbol          string
	Direction       Side
	FundingRate     decimal.Decimal
	EstimatedAPR    decimal.Decimal // net of fee/slippage haircut
	RequiredCapital decimal.Decimal
	Risk            RiskLevel
	DetectedAt      time.Time
}

type StrategyType string

const (
	StrategyCashAndCarry StrategyType = "CASH_AND_CARRY"
	StrategyFundingArb   StrategyType = "FUNDING_ARB"
)

type StrategyStatus string

const (
	StrategyCreated StrategyStatus = "CREATED"
	StrategyOpening StrategyStatus = "OPENING"
	StrategyOpen    StrategyStatus = "OPEN"
	StrategyClosing StrategyStatus = "CLOSING"
	StrategyClosed  StrategyStatus = "CLOSED"
)

type StrategyConfig struct {
	ID                 uuid.UUID
	Type               StrategyType
	Symbol             string
	Venues             []string
	TargetAPR          decimal.Decimal
	MaxCapital         decimal.Decimal
	Leverage           int
	StopLossPct        decimal.Decimal
	TakeProfitPct      decimal.Decimal
	AutoRebalance      bool
	RebalanceThreshold decimal.Decimal // APR divergence in percent points
	Status             StrategyStatus
	ProjectedAPR       decimal.Decimal
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// StrategyPatch carries the mutable subset of StrategyConfig for updates.
type StrategyPatch struct {
	TargetAPR          *decimal.Decimal
	MaxCapital         *decimal.Decimal
	StopLossPct        *decimal.Decimal
	TakeProfitPct      *decimal.Decimal
	AutoRebalance      *bool
	RebalanceThreshold *decimal.Decimal
}

type StrategyPosition struct {
	ID             uuid.UUID
	StrategyID     uuid.UUID
	Venue          string
	Symbol         string
	Side           Side
	Size           decimal.Decimal
	EntryPrice     decimal.Decimal
	CurrentPrice   decimal.Decimal
	UnrealizedPnL  decimal.Decimal
	AccruedFunding decimal.Decimal
	OpenedAt       time.Time
	UpdatedAt      time.Time
}

type StrategyPerformance struct {
	StrategyID      uuid.UUID
	CapitalDeployed decimal.Decimal
	TradingPnL      decimal.Decimal
	FundingPnL      decimal.Decimal
	TotalPnL        decimal.Decimal
	RealizedAPR     decimal.Decimal
	ProjectedAPR    decimal.Decimal
	TradeCount      int
	ComputedAt      time.Time
}

type ExecutionAction string

const (
	ActionOpen      ExecutionAction = "OPEN"
	ActionClose     ExecutionAction = "CLOSE"
	ActionRebalance ExecutionAction = "REBALANCE"
	ActionUnwind    ExecutionAction = "UNWIND"
)

type ExecutionResult struct {
	StrategyID uuid.UUID
	Action     ExecutionAction
	Success    bool
	Orders     []Order
	Message    string
	Timestamp  time.Time
}

type RiskCheckItem struct {
	Name      string
	Passed    bool
	Observed  string
	Threshold string
}

type RiskCheck struct {
	Passed bool
	Checks []RiskCheckItem
}

// FailureReasons concatenates the messages of failed sub-checks.
func (rc RiskCheck) FailureReasons() string {
	msg := ""
	for _, c := range rc.Checks {
		if c.Passed {
			continue
		}
		if msg != "" {
			msg += "; "
		}
		msg += c.Name + ": " + c.Observed + " vs " + c.Threshold
	}
	return msg
}

type BasisStatus string

const (
	BasisOpen    BasisStatus = "OPEN"
	BasisClosing BasisStatus = "CLOSING"
	BasisClosed  BasisStatus = "CLOSED"
)

type BasisLeg struct {
	Venue        string
	Amount       decimal.Decimal
	EntryPrice   decimal.Decimal
	CurrentPrice decimal.Decimal
	Leverage     int
}

func (l BasisLeg) Notional() decimal.Decimal {
	return l.Amount.Mul(l.CurrentPrice)
}

type BasisTradePosition struct {
	ID                 uuid.UUID
	Symbol             string
	Spot               BasisLeg
	Futures            BasisLeg
	FundingRate        decimal.Decimal
	AccumulatedFunding decimal.Decimal
	RealizedPnL        decimal.Decimal
	UnrealizedPnL      decimal.Decimal
	DeltaExposure      decimal.Decimal // spot amount − futures amount
	LiquidationPrice   decimal.Decimal
	Status             BasisStatus
	FundingHistory     []FundingPayment
	OpenedAt           time.Time
	ClosedAt           time.Time
	UpdatedAt          time.Time
}

type FundingPayment struct {
	Venue     string
	Symbol    string
	Rate      decimal.Decimal
	Amount    decimal.Decimal
	Timestamp time.Time
}

type Recommendation string

const (
	RecommendStrongBuy Recommendation = "STRONG_BUY"
	RecommendBuy       Recommendation = "BUY"
	RecommendHold      Recommendation = "HOLD"
	RecommendAvoid     Recommendation = "AVOID"
)

type BasisOpportunity struct {
	Symbol            string
	SpotVenue         string
	FuturesVenue      string
	SpotPrice         decimal.Decimal
	FuturesPrice      decimal.Decimal
	BasisSpreadPct    decimal.Decimal
	AnnualizedFunding decimal.Decimal
	RiskScore         int
	Recommendation    Recommendation
	DetectedAt        time.Time
}

type RebalanceUrgency string

const (
	UrgencyLow    RebalanceUrgency = "LOW"
	UrgencyMedium RebalanceUrgency = "MEDIUM"
	UrgencyHigh   RebalanceUrgency = "HIGH"
)

type RebalanceAction struct {
	PositionID    uuid.UUID
	Symbol        string
	DeltaExposure decimal.Decimal
	DeltaRatio    decimal.Decimal
	Urgency       RebalanceUrgency
	CreatedAt     time.Time
}

// RebalanceSignal flags a strategy whose live funding APR has drifted
// away from the APR it was opened at. Acting on it is left to the
// operator or an external rebalancer.
type RebalanceSignal struct {
	StrategyID   uuid.UUID
	Symbol       string
	CurrentAPR   decimal.Decimal
	ProjectedAPR decimal.Decimal
	Divergence   decimal.Decimal
	CreatedAt    time.Time
}

type MarkPrice struct {
	Venue     string
	Symbol    string
	Price     decimal.Decimal
	Timestamp time.Time
}
