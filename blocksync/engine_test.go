package blocksync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"relaynode/logs"
	"relaynode/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	blocks []*types.Block // 下标即高度
	txs    []*types.Transaction
	err    error
	loaded int // GetBlocksByHeightRange 累计返回的区块数
}

func newMemStore(height int) *memStore {
	s := &memStore{}
	for h := 0; h <= height; h++ {
		s.blocks = append(s.blocks, &types.Block{ID: fmt.Sprintf("b%d", h), Height: uint64(h)})
	}
	return s
}

func (s *memStore) GetLastBlock() (*types.Block, error) {
	return s.blocks[len(s.blocks)-1], nil
}

func (s *memStore) GetBlockByID(ctx context.Context, id string) (*types.Block, error) {
	if s.err != nil {
		return nil, s.err
	}
	for _, b := range s.blocks {
		if b.ID == id {
			return b, nil
		}
	}
	return nil, nil
}

func (s *memStore) GetBlocksByHeightRange(ctx context.Context, min, max uint64) ([]*types.Block, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []*types.Block
	for _, b := range s.blocks {
		if b.Height >= min && b.Height <= max {
			out = append(out, b)
		}
	}
	s.loaded += len(out)
	return out, nil
}

func (s *memStore) GetTransactionsByHeightRange(ctx context.Context, min, max uint64) ([]*types.Transaction, error) {
	var out []*types.Transaction
	for _, tx := range s.txs {
		if tx.Height > min && tx.Height <= max {
			out = append(out, tx)
		}
	}
	return out, nil
}

func TestCommonBlock_HighestMatchWins(t *testing.T) {
	store := newMemStore(10)
	e := NewEngine(store, 0, logs.Default())

	ids := []string{"b10", "b9", "b8", "b7"}
	common, err := e.CommonBlock(context.Background(), 7, 10, ids)
	require.NoError(t, err)
	assert.Equal(t, "b10", common.ID)
}

func TestCommonBlock_ForkedTip(t *testing.T) {
	store := newMemStore(10)
	e := NewEngine(store, 0, logs.Default())

	ids := []string{"x10", "x9", "b8", "b7"}
	common, err := e.CommonBlock(context.Background(), 7, 10, ids)
	require.NoError(t, err)
	assert.Equal(t, "b8", common.ID)
}

func TestCommonBlock_NotFoundVsError(t *testing.T) {
	store := newMemStore(5)
	e := NewEngine(store, 0, logs.Default())

	_, err := e.CommonBlock(context.Background(), 20, 30, []string{"b30"})
	assert.ErrorIs(t, err, types.ErrQueryNotFound)

	_, err = e.CommonBlock(context.Background(), 1, 5, []string{"x5", "x4"})
	assert.ErrorIs(t, err, types.ErrQueryNotFound)

	// ids 比区间里的区块多也不能越界
	_, err = e.CommonBlock(context.Background(), 4, 5, []string{"x5", "x4", "b3", "b2"})
	assert.ErrorIs(t, err, types.ErrQueryNotFound)

	store.err = errors.New("disk failure")
	_, err = e.CommonBlock(context.Background(), 1, 5, []string{"b5"})
	assert.ErrorIs(t, err, types.ErrQueryError)
}

func TestCommonBlock_LoadsOnlyComparableHeights(t *testing.T) {
	store := newMemStore(5000)
	e := NewEngine(store, 0, logs.Default())

	common, err := e.CommonBlock(context.Background(), 0, 1<<62, []string{"b5000"})
	require.NoError(t, err)
	assert.Equal(t, "b5000", common.ID)
	assert.Equal(t, 1, store.loaded)

	store.loaded = 0
	common, err = e.CommonBlock(context.Background(), 0, 4999, []string{"x4999", "x4998", "b4997"})
	require.NoError(t, err)
	assert.Equal(t, "b4997", common.ID)
	assert.Equal(t, 3, store.loaded)

	store.loaded = 0
	_, err = e.CommonBlock(context.Background(), 0, 5000, nil)
	assert.ErrorIs(t, err, types.ErrQueryNotFound)
	assert.Zero(t, store.loaded)
}

func TestBlocksAfter_StitchesTransactions(t *testing.T) {
	store := newMemStore(6)
	store.txs = []*types.Transaction{
		{ID: "t2", Height: 2},
		{ID: "t3a", Height: 3},
		{ID: "t3b", Height: 3},
		{ID: "t5", Height: 5},
	}
	e := NewEngine(store, 0, logs.Default())

	blocks := e.BlocksAfter(context.Background(), "b2", 3)
	require.Len(t, blocks, 3)
	assert.Equal(t, []uint64{3, 4, 5}, []uint64{blocks[0].Height, blocks[1].Height, blocks[2].Height})
	require.Len(t, blocks[0].Transactions, 2)
	assert.Equal(t, "t3a", blocks[0].Transactions[0].ID)
	assert.Empty(t, blocks[1].Transactions)
	require.Len(t, blocks[2].Transactions, 1)
	assert.Equal(t, "t5", blocks[2].Transactions[0].ID)

	// 存储里的区块不被改动
	assert.Empty(t, store.blocks[3].Transactions)
}

func TestBlocksAfter_DegradesToEmpty(t *testing.T) {
	store := newMemStore(3)
	e := NewEngine(store, 0, logs.Default())

	blocks := e.BlocksAfter(context.Background(), "unknown", 10)
	assert.NotNil(t, blocks)
	assert.Empty(t, blocks)

	assert.Empty(t, e.BlocksAfter(context.Background(), "b3", 10))
	assert.Empty(t, e.BlocksAfter(context.Background(), "b1", 0))

	store.err = errors.New("boom")
	assert.Empty(t, e.BlocksAfter(context.Background(), "b1", 10))
}

func TestBlocksAfter_ClampsLimit(t *testing.T) {
	store := newMemStore(300)
	e := NewEngine(store, 0, logs.Default())

	blocks := e.BlocksAfter(context.Background(), "b0", 1000)
	assert.Len(t, blocks, DefaultMaxBlocks)
	assert.Equal(t, uint64(200), blocks[len(blocks)-1].Height)
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		raw  string
		want int
	}{
		{"", 200},
		{"null", 200},
		{"0", 200},
		{"50", 50},
		{`"50"`, 50},
		{"1000", 200},
		{"-3", 0},
		{`"abc"`, 200},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLimit(json.RawMessage(tt.raw), 200), "limit %q", tt.raw)
	}
}

func TestParseInteger(t *testing.T) {
	v, err := ParseInteger(json.RawMessage("12"))
	require.NoError(t, err)
	assert.Equal(t, int64(12), v)

	v, err = ParseInteger(json.RawMessage("3.0"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	for _, bad := range []string{"", `"12"`, "1.5", "null", "true"} {
		_, err := ParseInteger(json.RawMessage(bad))
		assert.Error(t, err, bad)
	}
}
