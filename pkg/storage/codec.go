package storage

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/perpguard/pkg/app/ledger"
)

func encodeUint(v uint64) []byte {
	return []byte(strconv.FormatUint(v, 10))
}

func decodeUint(b []byte) (uint64, error) {
	return strconv.ParseUint(string(b), 10, 64)
}

func encodeAmount(v *big.Int) []byte {
	if v == nil {
		return []byte("0")
	}
	return []byte(v.String())
}

func decodeAmount(b []byte) (*big.Int, error) {
	v, ok := new(big.Int).SetString(string(b), 10)
	if !ok {
		return nil, fmt.Errorf("bad amount %q", b)
	}
	return v, nil
}

// parseVaultKey splits vlt:<kind>:<asset>:<holder>
func parseVaultKey(key []byte) (ledger.BalanceKind, common.Address, common.Address, error) {
	parts := strings.Split(strings.TrimPrefix(string(key), prefixVault), ":")
	if len(parts) != 3 || !common.IsHexAddress(parts[1]) || !common.IsHexAddress(parts[2]) {
		return "", common.Address{}, common.Address{}, fmt.Errorf("bad vault key %q", key)
	}
	return ledger.BalanceKind(parts[0]), common.HexToAddress(parts[1]), common.HexToAddress(parts[2]), nil
}
