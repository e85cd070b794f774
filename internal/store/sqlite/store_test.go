package sqlite_test

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/expertwatch/internal/domain"
	"github.com/alanyoungcy/expertwatch/internal/store/sqlite"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func makeDetection(tx string, logIndex uint64, block int64) domain.RawTradeEvent {
	ev := domain.RawTradeEvent{
		ID:                domain.EventID(tx, logIndex),
		TxHash:            tx,
		LogIndex:          logIndex,
		BlockTimestamp:    1_700_000_000 + block,
		DetectedAt:        1_700_000_000_000,
		Source:            domain.SourceOnChain,
		Exchange:          domain.ExchangeStandard,
		Maker:             "0xmaker",
		Taker:             "0xtaker",
		MakerAssetID:      "0",
		TakerAssetID:      "123456789012345678901234567890",
		MakerAmountFilled: big.NewInt(65_000_000),
		TakerAmountFilled: big.NewInt(100_000_000),
		Fee:               big.NewInt(0),
		Role:              domain.RoleMaker,
	}
	if block > 0 {
		ev.BlockNumber = big.NewInt(block)
	}
	return ev
}

func TestStore_InsertIfAbsent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	ev := makeDetection("0xabc", 3, 100)

	inserted, err := s.InsertIfAbsent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.InsertIfAbsent(ctx, ev)
	require.NoError(t, err)
	assert.False(t, inserted)

	exists, err := s.Exists(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.Exists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStore_ConcurrentInsertAdmitsOnce(t *testing.T) {
	s := openStore(t)
	ev := makeDetection("0xrace", 0, 50)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.InsertIfAbsent(context.Background(), ev)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, won)
}

func TestStore_MaxBlock(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	head, err := s.MaxBlock(ctx)
	require.NoError(t, err)
	assert.Nil(t, head)

	_, err = s.InsertIfAbsent(ctx, makeDetection("0x01", 0, 120))
	require.NoError(t, err)
	_, err = s.InsertIfAbsent(ctx, makeDetection("0x02", 0, 90))
	require.NoError(t, err)
	_, err = s.InsertIfAbsent(ctx, makeDetection("poll:0xcond", 100123, 0))
	require.NoError(t, err)

	head, err = s.MaxBlock(ctx)
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, int64(120), head.Int64())
}

func TestStore_DeserializeOrderedUnprocessed(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	for _, ev := range []domain.RawTradeEvent{
		makeDetection("0xc", 1, 200),
		makeDetection("poll:0xm", 100500, 0),
		makeDetection("0xb", 7, 100),
		makeDetection("0xa", 2, 100),
	} {
		_, err := s.InsertIfAbsent(ctx, ev)
		require.NoError(t, err)
	}

	got, err := s.DeserializeOrderedUnprocessed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 4)

	assert.Equal(t, "0xa", got[0].TxHash)
	assert.Equal(t, "0xb", got[1].TxHash)
	assert.Equal(t, "0xc", got[2].TxHash)
	assert.Equal(t, "poll:0xm", got[3].TxHash)
	assert.Nil(t, got[3].BlockNumber)

	first := got[0]
	assert.Equal(t, int64(100), first.BlockNumber.Int64())
	assert.Equal(t, "65000000", first.MakerAmountFilled.String())
	assert.Equal(t, "123456789012345678901234567890", first.TakerAssetID)
	assert.Equal(t, domain.RoleMaker, first.Role)
	assert.Equal(t, domain.SourceOnChain, first.Source)

	limited, err := s.DeserializeOrderedUnprocessed(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestStore_MarkProcessed(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	a := makeDetection("0xa", 0, 10)
	b := makeDetection("0xb", 0, 11)
	for _, ev := range []domain.RawTradeEvent{a, b} {
		_, err := s.InsertIfAbsent(ctx, ev)
		require.NoError(t, err)
	}

	require.NoError(t, s.MarkProcessed(ctx, a.ID))

	n, err := s.CountUnprocessed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.DeserializeOrderedUnprocessed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, b.ID, got[0].ID)

	err = s.MarkProcessed(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_NormalizedRoundTripAndRange(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mk := func(id string, at time.Time) domain.NormalizedTrade {
		return domain.NormalizedTrade{
			ID:           id,
			DecodedTrade: domain.DecodedTrade{Side: domain.SideBuy, Price: 0.65, Quantity: 100, TokenID: "tok"},
			ConditionID:  "0xcond",
			Outcome:      "Yes",
			Outcomes:     []string{"Yes", "No"},
			MarketPhase:  domain.PhaseMid,
			NormalizedAt: at,
			Raw:          makeDetection("0x"+id, 0, 10),
		}
	}

	inserted, err := s.InsertNormalized(ctx, mk("one", base))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.InsertNormalized(ctx, mk("one", base))
	require.NoError(t, err)
	assert.False(t, inserted)

	_, err = s.InsertNormalized(ctx, mk("two", base.Add(time.Hour)))
	require.NoError(t, err)
	_, err = s.InsertNormalized(ctx, mk("three", base.Add(2*time.Hour)))
	require.NoError(t, err)

	got, err := s.ListNormalizedBetween(ctx, base, base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "one", got[0].ID)
	assert.Equal(t, "two", got[1].ID)
	assert.Equal(t, domain.PhaseMid, got[0].MarketPhase)
	assert.Equal(t, []string{"Yes", "No"}, got[0].Outcomes)
	assert.Equal(t, "65000000", got[0].Raw.MakerAmountFilled.String())
}
