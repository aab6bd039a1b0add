package evmrpc

import (
	"fmt"
	"math/big"
	"strings"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

const wordSize = 32

// selector returns the 4-byte function selector for a canonical signature.
func selector(signature string) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	return h.Sum(nil)[:4]
}

// Contract method signatures used by the client.
const (
	sigCurrentPoolID  = "currentPoolId()"
	sigGetPool        = "getPool(uint256)"
	sigGetPlayer      = "getPlayer(uint256,uint256)"
	sigGetUserStatus  = "getUserStatus(address)"
	sigActivePoolID   = "activePoolId(address)"
	sigGetPoolWinners = "getPoolWinners(uint256)"
	sigJoinPool       = "joinPool(uint256)"
	sigSubmitScore    = "submitScore(uint256,uint16)"
	sigClaimPrize     = "claimPrize(uint256)"
	sigFinalizePool   = "finalizePool(uint256)"
)

// encodeCall packs a call with static arguments only (uint*, address, bool).
func encodeCall(signature string, args ...any) ([]byte, error) {
	out := make([]byte, 0, 4+wordSize*len(args))
	out = append(out, selector(signature)...)
	for i, a := range args {
		w, err := encodeWord(a)
		if err != nil {
			return nil, fmt.Errorf("arg %d of %s: %w", i, signature, err)
		}
		out = append(out, w...)
	}
	return out, nil
}

func encodeWord(v any) ([]byte, error) {
	switch x := v.(type) {
	case uint64:
		return common.LeftPadBytes(new(big.Int).SetUint64(x).Bytes(), wordSize), nil
	case uint16:
		return common.LeftPadBytes(new(big.Int).SetUint64(uint64(x)).Bytes(), wordSize), nil
	case *big.Int:
		if x.Sign() < 0 || x.BitLen() > 256 {
			return nil, fmt.Errorf("uint256 out of range: %s", x)
		}
		return common.LeftPadBytes(x.Bytes(), wordSize), nil
	case common.Address:
		return common.LeftPadBytes(x.Bytes(), wordSize), nil
	case bool:
		w := make([]byte, wordSize)
		if x {
			w[wordSize-1] = 1
		}
		return w, nil
	default:
		return nil, fmt.Errorf("unsupported abi type %T", v)
	}
}

// words is a decoded return payload.
type words []byte

func (w words) word(i int) ([]byte, error) {
	start := i * wordSize
	if start+wordSize > len(w) {
		return nil, fmt.Errorf("return data too short: need word %d, have %d bytes", i, len(w))
	}
	return w[start : start+wordSize], nil
}

func (w words) uint(i int) (uint64, error) {
	b, err := w.word(i)
	if err != nil {
		return 0, err
	}
	n := new(big.Int).SetBytes(b)
	if !n.IsUint64() {
		return 0, fmt.Errorf("word %d overflows uint64", i)
	}
	return n.Uint64(), nil
}

func (w words) bool(i int) (bool, error) {
	n, err := w.uint(i)
	if err != nil {
		return false, err
	}
	if n > 1 {
		return false, fmt.Errorf("word %d is not a bool: %d", i, n)
	}
	return n == 1, nil
}

func (w words) address(i int) (common.Address, error) {
	b, err := w.word(i)
	if err != nil {
		return common.Address{}, err
	}
	return common.BytesToAddress(b[12:]), nil
}

// string decodes a dynamic string whose head word at i holds the offset.
func (w words) string(i int) (string, error) {
	off, err := w.uint(i)
	if err != nil {
		return "", err
	}
	if off%wordSize != 0 || int(off)+wordSize > len(w) {
		return "", fmt.Errorf("bad string offset %d", off)
	}
	n := new(big.Int).SetBytes(w[off : off+wordSize])
	if !n.IsUint64() || off+wordSize+n.Uint64() > uint64(len(w)) {
		return "", fmt.Errorf("bad string length at offset %d", off)
	}
	s := string(w[off+wordSize : off+wordSize+n.Uint64()])
	if !utf8.ValidString(s) {
		return strings.ToValidUTF8(s, "�"), nil
	}
	return s, nil
}
