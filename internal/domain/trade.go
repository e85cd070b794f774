package domain

import (
	"math/big"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// CollateralAssetID is the asset identifier reserved for the stable collateral
// (USDC). Any other asset identifier is an outcome token.
const CollateralAssetID = "0"

// TradeSource tags which watcher observed a fill.
type TradeSource string

const (
	SourceOnChain TradeSource = "on-chain"
	SourcePollAPI TradeSource = "poll-api"
)

// ExchangeVariant identifies which exchange contract settled a fill.
type ExchangeVariant string

const (
	ExchangeStandard     ExchangeVariant = "standard"
	ExchangeNegativeRisk ExchangeVariant = "negative-risk"
)

// ParticipantRole is the side of the match the tracked participant occupied.
type ParticipantRole string

const (
	RoleMaker ParticipantRole = "maker"
	RoleTaker ParticipantRole = "taker"
)

// TradeSide is the direction of the tracked participant's trade in outcome
// tokens.
type TradeSide string

const (
	SideBuy  TradeSide = "BUY"
	SideSell TradeSide = "SELL"
)

// eventNamespace seeds the deterministic detection identity.
var eventNamespace = uuid.MustParse("6f1c1f7e-5d0b-4f38-9a43-2c8e0d6b7a11")

// EventID derives the identity of a fill from its transaction hash and log
// position. The same fill yields the same id whichever source observed it.
func EventID(txHash string, logIndex uint64) string {
	key := strings.ToLower(txHash) + ":" + strconv.FormatUint(logIndex, 10)
	return uuid.NewSHA1(eventNamespace, []byte(key)).String()
}

// RawTradeEvent is one confirmed fill involving the tracked participant. It is
// immutable once created by a watcher.
type RawTradeEvent struct {
	ID                string          `json:"id"`
	TxHash            string          `json:"tx_hash"`
	LogIndex          uint64          `json:"log_index"`
	BlockNumber       *big.Int        `json:"block_number"`
	BlockTimestamp    int64           `json:"block_timestamp"` // seconds
	DetectedAt        int64           `json:"detected_at"`     // unix millis
	Source            TradeSource     `json:"source"`
	Exchange          ExchangeVariant `json:"exchange"`
	OrderHash         string          `json:"order_hash"`
	Maker             string          `json:"maker"`
	Taker             string          `json:"taker"`
	MakerAssetID      string          `json:"maker_asset_id"`
	TakerAssetID      string          `json:"taker_asset_id"`
	MakerAmountFilled *big.Int        `json:"maker_amount_filled"`
	TakerAmountFilled *big.Int        `json:"taker_amount_filled"`
	Fee               *big.Int        `json:"fee"`
	Role              ParticipantRole `json:"role"`
}

// GivenAsset returns the asset identifier and amount the tracked participant
// handed over in the fill.
func (e RawTradeEvent) GivenAsset() (string, *big.Int) {
	if e.Role == RoleMaker {
		return e.MakerAssetID, e.MakerAmountFilled
	}
	return e.TakerAssetID, e.TakerAmountFilled
}

// ReceivedAsset returns the asset identifier and amount the tracked
// participant received in the fill.
func (e RawTradeEvent) ReceivedAsset() (string, *big.Int) {
	if e.Role == RoleMaker {
		return e.TakerAssetID, e.TakerAmountFilled
	}
	return e.MakerAssetID, e.MakerAmountFilled
}

// DecodedTrade is the side/price view of a fill from the participant's
// perspective.
type DecodedTrade struct {
	Side               TradeSide `json:"side"`
	Price              float64   `json:"price"`
	Quantity           float64   `json:"quantity"`
	ImpliedProbability float64   `json:"implied_probability"`
	TokenID            string    `json:"token_id"`
	CollateralAmount   float64   `json:"collateral_amount"`
}
