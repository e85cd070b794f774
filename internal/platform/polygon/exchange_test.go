package polygon

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/expertwatch/internal/domain"
)

var (
	expert = common.HexToAddress("0x1111111111111111111111111111111111111111")
	other  = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func fillLog(t *testing.T, contract, maker, taker common.Address, amounts ...int64) types.Log {
	t.Helper()
	require.Len(t, amounts, 5)
	args := make([]any, len(amounts))
	for i, a := range amounts {
		args[i] = big.NewInt(a)
	}
	data, err := exchangeABI.Events["OrderFilled"].Inputs.NonIndexed().Pack(args...)
	require.NoError(t, err)

	return types.Log{
		Address: contract,
		Topics: []common.Hash{
			OrderFilledTopic,
			common.HexToHash("0xabcdef"),
			common.BytesToHash(maker.Bytes()),
			common.BytesToHash(taker.Bytes()),
		},
		Data:        data,
		BlockNumber: 65_000_000,
		TxHash:      common.HexToHash("0xdeadbeef"),
		Index:       7,
	}
}

func TestOrderFilledTopic(t *testing.T) {
	want := crypto.Keccak256Hash([]byte("OrderFilled(bytes32,address,address,uint256,uint256,uint256,uint256,uint256)"))
	assert.Equal(t, want, OrderFilledTopic)
}

func TestDecodeOrderFilled(t *testing.T) {
	lg := fillLog(t, StandardExchange, expert, other, 0, 1234, 650_000, 1_000_000, 10)

	fill, err := DecodeOrderFilled(lg)
	require.NoError(t, err)
	assert.Equal(t, expert, fill.Maker)
	assert.Equal(t, other, fill.Taker)
	assert.Equal(t, int64(0), fill.MakerAssetID.Int64())
	assert.Equal(t, int64(1234), fill.TakerAssetID.Int64())
	assert.Equal(t, int64(650_000), fill.MakerAmountFilled.Int64())
	assert.Equal(t, int64(1_000_000), fill.TakerAmountFilled.Int64())
	assert.Equal(t, int64(10), fill.Fee.Int64())
}

func TestDecodeOrderFilled_RejectsOtherLogs(t *testing.T) {
	lg := fillLog(t, StandardExchange, expert, other, 0, 1, 1, 1, 0)
	lg.Topics[0] = common.HexToHash("0x01")
	_, err := DecodeOrderFilled(lg)
	assert.ErrorIs(t, err, ErrNotOrderFilled)

	lg.Topics = lg.Topics[:2]
	_, err = DecodeOrderFilled(lg)
	assert.ErrorIs(t, err, ErrNotOrderFilled)
}

func TestNewRawEvent(t *testing.T) {
	detected := time.UnixMilli(1_700_000_000_123)
	lg := fillLog(t, NegRiskExchange, other, expert, 1234, 0, 5_000_000, 3_500_000, 0)

	ev, err := NewRawEvent(lg, expert, detected)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleTaker, ev.Role)
	assert.Equal(t, domain.ExchangeNegativeRisk, ev.Exchange)
	assert.Equal(t, domain.SourceOnChain, ev.Source)
	assert.Equal(t, uint64(7), ev.LogIndex)
	assert.Equal(t, "65000000", ev.BlockNumber.String())
	assert.Equal(t, int64(1_700_000_000_123), ev.DetectedAt)
	assert.Equal(t, "1234", ev.MakerAssetID)
	assert.Equal(t, domain.CollateralAssetID, ev.TakerAssetID)
	assert.Equal(t, domain.EventID(lg.TxHash.Hex(), 7), ev.ID)

	_, err = NewRawEvent(fillLog(t, other, other, expert, 0, 1, 1, 1, 0), expert, detected)
	assert.Error(t, err)
}

func TestQueries(t *testing.T) {
	from, to := big.NewInt(100), big.NewInt(5099)

	mq := MakerQuery(StandardExchange, expert, from, to)
	require.Len(t, mq.Topics, 3)
	assert.Equal(t, []common.Hash{OrderFilledTopic}, mq.Topics[0])
	assert.Nil(t, mq.Topics[1])
	assert.Equal(t, common.BytesToHash(expert.Bytes()), mq.Topics[2][0])
	assert.Equal(t, from, mq.FromBlock)
	assert.Equal(t, to, mq.ToBlock)

	tq := TakerQuery(NegRiskExchange, expert, nil, nil)
	require.Len(t, tq.Topics, 4)
	assert.Nil(t, tq.Topics[2])
	assert.Equal(t, common.BytesToHash(expert.Bytes()), tq.Topics[3][0])
	assert.Equal(t, []common.Address{NegRiskExchange}, tq.Addresses)
}
