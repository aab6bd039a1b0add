// Package evmrpc implements the ledger interfaces against an EVM JSON-RPC
// endpoint: contract reads through eth_call on a public node, writes and
// network switching through the wallet's provider endpoint.
package evmrpc

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/park285/colordrop-pool/internal/ledger"
)

// Client reads the pool contract through node and writes through wallet. Both may
// point at the same endpoint.
type Client struct {
	node     *Transport
	wallet   *Transport
	contract common.Address

	unverifiedLimit int
}

// New builds a client for contract. unverifiedLimit fills UserStatus.UnverifiedSlotLimit,
// which the contract does not expose.
func New(node, wallet *Transport, contract common.Address, unverifiedLimit int) *Client {
	if wallet == nil {
		wallet = node
	}
	return &Client{node: node, wallet: wallet, contract: contract, unverifiedLimit: unverifiedLimit}
}

var _ ledger.Chain = (*Client)(nil)

type callMsg struct {
	From  *common.Address `json:"from,omitempty"`
	To    common.Address  `json:"to"`
	Data  hexutil.Bytes   `json:"data"`
	Value *hexutil.Big    `json:"value,omitempty"`
}

func (c *Client) call(ctx context.Context, signature string, args ...any) (words, error) {
	data, err := encodeCall(signature, args...)
	if err != nil {
		return nil, err
	}
	var out hexutil.Bytes
	if err := c.node.Call(ctx, "eth_call", []any{callMsg{To: c.contract, Data: data}, "latest"}, &out, true); err != nil {
		return nil, fmt.Errorf("%s: %w", signature, err)
	}
	return words(out), nil
}

// --- ledger.Reader ---

func (c *Client) CurrentPoolID(ctx context.Context) (uint64, error) {
	w, err := c.call(ctx, sigCurrentPoolID)
	if err != nil {
		return 0, err
	}
	return w.uint(0)
}

func (c *Client) Pool(ctx context.Context, id uint64) (*ledger.PoolInfo, error) {
	w, err := c.call(ctx, sigGetPool, id)
	if err != nil {
		return nil, err
	}
	info := &ledger.PoolInfo{}
	var count, start uint64
	if info.ID, err = w.uint(0); err != nil {
		return nil, err
	}
	if count, err = w.uint(1); err != nil {
		return nil, err
	}
	if info.IsActive, err = w.bool(2); err != nil {
		return nil, err
	}
	if info.IsCompleted, err = w.bool(3); err != nil {
		return nil, err
	}
	if start, err = w.uint(4); err != nil {
		return nil, err
	}
	// targetColor는 v4 이후 추가된 필드라 없을 수도 있다
	if len(w) > 5*wordSize {
		if info.TargetColor, err = w.string(5); err != nil {
			return nil, err
		}
	}
	info.PlayerCount = int(count)
	info.StartTime = unixTime(start)
	return info, nil
}

func (c *Client) UserStatus(ctx context.Context, who ledger.Identity) (*ledger.UserStatus, error) {
	w, err := c.call(ctx, sigGetUserStatus, who)
	if err != nil {
		return nil, err
	}
	st := &ledger.UserStatus{UnverifiedSlotLimit: c.unverifiedLimit}
	var used, avail uint64
	if st.Verified, err = w.bool(0); err != nil {
		return nil, err
	}
	if used, err = w.uint(1); err != nil {
		return nil, err
	}
	if avail, err = w.uint(2); err != nil {
		return nil, err
	}
	if st.CanJoin, err = w.bool(3); err != nil {
		return nil, err
	}
	st.SlotsUsed, st.SlotsAvailable = int(used), int(avail)
	return st, nil
}

func (c *Client) Player(ctx context.Context, poolID uint64, index int) (*ledger.Player, error) {
	w, err := c.call(ctx, sigGetPlayer, poolID, uint64(index))
	if err != nil {
		return nil, err
	}
	p := &ledger.Player{}
	var acc, ts uint64
	if p.Identity, err = w.address(0); err != nil {
		return nil, err
	}
	if p.FID, err = w.uint(1); err != nil {
		return nil, err
	}
	if acc, err = w.uint(2); err != nil {
		return nil, err
	}
	if ts, err = w.uint(3); err != nil {
		return nil, err
	}
	if p.Submitted, err = w.bool(4); err != nil {
		return nil, err
	}
	if acc > 10000 {
		return nil, fmt.Errorf("player %d/%d accuracy out of range: %d", poolID, index, acc)
	}
	p.Accuracy = uint16(acc)
	p.Timestamp = unixTime(ts)
	return p, nil
}

func (c *Client) ActivePoolID(ctx context.Context, who ledger.Identity) (uint64, error) {
	w, err := c.call(ctx, sigActivePoolID, who)
	if err != nil {
		return 0, err
	}
	return w.uint(0)
}

func (c *Client) PoolWinners(ctx context.Context, poolID uint64) (*ledger.PoolWinners, error) {
	w, err := c.call(ctx, sigGetPoolWinners, poolID)
	if err != nil {
		return nil, err
	}
	out := &ledger.PoolWinners{}
	for i := 0; i < 3; i++ {
		if out.Winners[i], err = w.address(i); err != nil {
			return nil, err
		}
		if out.Claimed[i], err = w.bool(3 + i); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type blockHeader struct {
	Number    hexutil.Uint64 `json:"number"`
	Timestamp hexutil.Uint64 `json:"timestamp"`
}

func (c *Client) LatestTimestamp(ctx context.Context) (time.Time, error) {
	var b *blockHeader
	if err := c.node.Call(ctx, "eth_getBlockByNumber", []any{"latest", false}, &b, true); err != nil {
		return time.Time{}, err
	}
	if b == nil {
		return time.Time{}, fmt.Errorf("latest block unavailable")
	}
	return unixTime(uint64(b.Timestamp)), nil
}

// --- ledger.Writer ---

// Send submits one write through the wallet. It is never retried.
func (c *Client) Send(ctx context.Context, req ledger.WriteRequest) (ledger.Handle, error) {
	data, err := encodeWrite(req)
	if err != nil {
		return ledger.Handle{}, err
	}
	from := req.From
	msg := callMsg{From: &from, To: c.contract, Data: data}
	if req.Value != nil && req.Value.Sign() > 0 {
		msg.Value = (*hexutil.Big)(new(big.Int).Set(req.Value))
	}
	var h common.Hash
	if err := c.wallet.Call(ctx, "eth_sendTransaction", []any{msg}, &h, false); err != nil {
		return ledger.Handle{}, err
	}
	return h, nil
}

func encodeWrite(req ledger.WriteRequest) ([]byte, error) {
	switch req.Kind {
	case ledger.WriteJoin:
		return encodeCall(sigJoinPool, req.FID)
	case ledger.WriteSubmit:
		return encodeCall(sigSubmitScore, req.PoolID, req.ScaledAccuracy)
	case ledger.WriteClaim:
		return encodeCall(sigClaimPrize, req.PoolID)
	case ledger.WriteFinalize:
		return encodeCall(sigFinalizePool, req.PoolID)
	default:
		return nil, fmt.Errorf("unsupported write kind %q", req.Kind)
	}
}

// --- ledger.Receipts ---

type rpcReceipt struct {
	TransactionHash common.Hash    `json:"transactionHash"`
	BlockNumber     hexutil.Uint64 `json:"blockNumber"`
	Status          hexutil.Uint64 `json:"status"`
}

func (c *Client) Receipt(ctx context.Context, h ledger.Handle) (*ledger.Receipt, error) {
	var r *rpcReceipt
	if err := c.node.Call(ctx, "eth_getTransactionReceipt", []any{h}, &r, true); err != nil {
		return nil, err
	}
	if r == nil {
		return nil, nil
	}
	return &ledger.Receipt{Handle: h, BlockNumber: uint64(r.BlockNumber), Success: r.Status == 1}, nil
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var n hexutil.Uint64
	if err := c.node.Call(ctx, "eth_blockNumber", nil, &n, true); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

// --- ledger.Network ---

// ChainID asks the wallet, not the node: the node's chain is fixed by URL.
func (c *Client) ChainID(ctx context.Context) (uint64, error) {
	var n hexutil.Uint64
	if err := c.wallet.Call(ctx, "eth_chainId", nil, &n, true); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

type switchChainParam struct {
	ChainID hexutil.Uint64 `json:"chainId"`
}

func (c *Client) SwitchChain(ctx context.Context, chainID uint64) error {
	return c.wallet.Call(ctx, "wallet_switchEthereumChain", []any{switchChainParam{ChainID: hexutil.Uint64(chainID)}}, nil, false)
}

func unixTime(sec uint64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(int64(sec), 0).UTC()
}
