// Package polygon reads Polymarket CTF exchange fills from a Polygon RPC
// node.
package polygon

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/expertwatch/internal/domain"
)

// ChainID is Polygon PoS mainnet.
const ChainID = 137

var (
	StandardExchange = common.HexToAddress("0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E")
	NegRiskExchange  = common.HexToAddress("0xC5d563A36AE78145C45a50134d48A1215220f80a")
)

// ErrNotOrderFilled is returned when a log is not an OrderFilled event.
var ErrNotOrderFilled = errors.New("polygon: log is not OrderFilled")

const exchangeABIJSON = `[
	{
		"anonymous": false,
		"name": "OrderFilled",
		"type": "event",
		"inputs": [
			{"indexed": true,  "name": "orderHash",         "type": "bytes32"},
			{"indexed": true,  "name": "maker",             "type": "address"},
			{"indexed": true,  "name": "taker",             "type": "address"},
			{"indexed": false, "name": "makerAssetId",      "type": "uint256"},
			{"indexed": false, "name": "takerAssetId",      "type": "uint256"},
			{"indexed": false, "name": "makerAmountFilled", "type": "uint256"},
			{"indexed": false, "name": "takerAmountFilled", "type": "uint256"},
			{"indexed": false, "name": "fee",               "type": "uint256"}
		]
	}
]`

var (
	exchangeABI abi.ABI
	// OrderFilledTopic is the keccak256 signature hash of OrderFilled.
	OrderFilledTopic common.Hash
)

func init() {
	var err error
	exchangeABI, err = abi.JSON(strings.NewReader(exchangeABIJSON))
	if err != nil {
		panic("exchange abi parse: " + err.Error())
	}
	OrderFilledTopic = exchangeABI.Events["OrderFilled"].ID
}

// Exchange is one deployed exchange contract.
type Exchange struct {
	Address common.Address
	Variant domain.ExchangeVariant
}

// Exchanges returns both exchange contracts, standard first.
func Exchanges() []Exchange {
	return []Exchange{
		{Address: StandardExchange, Variant: domain.ExchangeStandard},
		{Address: NegRiskExchange, Variant: domain.ExchangeNegativeRisk},
	}
}

// VariantOf reports which exchange emitted logs at addr.
func VariantOf(addr common.Address) (domain.ExchangeVariant, bool) {
	switch addr {
	case StandardExchange:
		return domain.ExchangeStandard, true
	case NegRiskExchange:
		return domain.ExchangeNegativeRisk, true
	default:
		return "", false
	}
}

// MakerQuery filters OrderFilled logs on contract where participant is the
// maker. Nil bounds leave the range open, as used for subscriptions.
func MakerQuery(contract, participant common.Address, from, to *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{contract},
		Topics:    [][]common.Hash{{OrderFilledTopic}, nil, {common.BytesToHash(participant.Bytes())}},
	}
}

// TakerQuery is MakerQuery for the taker position.
func TakerQuery(contract, participant common.Address, from, to *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{contract},
		Topics:    [][]common.Hash{{OrderFilledTopic}, nil, nil, {common.BytesToHash(participant.Bytes())}},
	}
}

// Fill is a decoded OrderFilled event.
type Fill struct {
	OrderHash         common.Hash
	Maker             common.Address
	Taker             common.Address
	MakerAssetID      *big.Int
	TakerAssetID      *big.Int
	MakerAmountFilled *big.Int
	TakerAmountFilled *big.Int
	Fee               *big.Int
}

// DecodeOrderFilled decodes lg's indexed topics and data.
func DecodeOrderFilled(lg types.Log) (Fill, error) {
	if len(lg.Topics) != 4 || lg.Topics[0] != OrderFilledTopic {
		return Fill{}, ErrNotOrderFilled
	}

	values, err := exchangeABI.Unpack("OrderFilled", lg.Data)
	if err != nil {
		return Fill{}, fmt.Errorf("polygon: unpack OrderFilled: %w", err)
	}
	if len(values) != 5 {
		return Fill{}, fmt.Errorf("polygon: unpack OrderFilled: got %d values", len(values))
	}
	ints := make([]*big.Int, len(values))
	for i, v := range values {
		n, ok := v.(*big.Int)
		if !ok {
			return Fill{}, fmt.Errorf("polygon: unpack OrderFilled: field %d is %T", i, v)
		}
		ints[i] = n
	}

	return Fill{
		OrderHash:         lg.Topics[1],
		Maker:             common.BytesToAddress(lg.Topics[2].Bytes()),
		Taker:             common.BytesToAddress(lg.Topics[3].Bytes()),
		MakerAssetID:      ints[0],
		TakerAssetID:      ints[1],
		MakerAmountFilled: ints[2],
		TakerAmountFilled: ints[3],
		Fee:               ints[4],
	}, nil
}

// PackOrderFilledData ABI-encodes the non-indexed fields of f, producing
// the data section of an OrderFilled log.
func PackOrderFilledData(f Fill) ([]byte, error) {
	data, err := exchangeABI.Events["OrderFilled"].Inputs.NonIndexed().Pack(
		f.MakerAssetID, f.TakerAssetID, f.MakerAmountFilled, f.TakerAmountFilled, f.Fee)
	if err != nil {
		return nil, fmt.Errorf("polygon: pack OrderFilled: %w", err)
	}
	return data, nil
}

// NewRawEvent converts an OrderFilled log into a detection for participant.
// BlockTimestamp is left zero for the caller to fill in.
func NewRawEvent(lg types.Log, participant common.Address, detectedAt time.Time) (domain.RawTradeEvent, error) {
	fill, err := DecodeOrderFilled(lg)
	if err != nil {
		return domain.RawTradeEvent{}, err
	}
	variant, ok := VariantOf(lg.Address)
	if !ok {
		return domain.RawTradeEvent{}, fmt.Errorf("polygon: log from unknown contract %s", lg.Address.Hex())
	}

	role := domain.RoleTaker
	if fill.Maker == participant {
		role = domain.RoleMaker
	}

	txHash := lg.TxHash.Hex()
	logIndex := uint64(lg.Index)
	return domain.RawTradeEvent{
		ID:                domain.EventID(txHash, logIndex),
		TxHash:            txHash,
		LogIndex:          logIndex,
		BlockNumber:       new(big.Int).SetUint64(lg.BlockNumber),
		DetectedAt:        detectedAt.UnixMilli(),
		Source:            domain.SourceOnChain,
		Exchange:          variant,
		OrderHash:         fill.OrderHash.Hex(),
		Maker:             fill.Maker.Hex(),
		Taker:             fill.Taker.Hex(),
		MakerAssetID:      fill.MakerAssetID.String(),
		TakerAssetID:      fill.TakerAssetID.String(),
		MakerAmountFilled: fill.MakerAmountFilled,
		TakerAmountFilled: fill.TakerAmountFilled,
		Fee:               fill.Fee,
		Role:              role,
	}, nil
}

// Dial connects to an RPC endpoint. A ws:// or wss:// URL is required for
// log subscriptions.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("polygon: dial rpc: %w", err)
	}
	return client, nil
}
