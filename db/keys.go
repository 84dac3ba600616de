// db/keys.go
package db

import (
	"fmt"
	"strings"
)

// ===================== 版本控制 =====================
// 全局 Key 版本前缀（例如 "v1" → 产出 "v1_<key>"）
const KeyVersion = "v1"

func withVer(s string) string {
	if KeyVersion == "" {
		return s
	}
	return KeyVersion + "_" + s
}

// StripVersion 去掉版本前缀
func StripVersion(prefixed string) string {
	if KeyVersion == "" {
		return prefixed
	}
	return strings.TrimPrefix(prefixed, KeyVersion+"_")
}

// ===================== 区块 =====================
// 例：blockdata_<blockID>
func KeyBlockData(blockID string) string {
	return withVer("blockdata_" + blockID)
}

// 高度补零到 20 位，保证字典序 == 数值序
// 例：height_00000000000000000042
func KeyHeightBlock(height uint64) string {
	return withVer(fmt.Sprintf("height_%020d", height))
}

func PrefixHeightBlock() string { return withVer("height_") }

// 例：latest_block_id
func KeyLatestBlock() string { return withVer("latest_block_id") }

// ===================== 已确认交易，按高度 + 区块内序号 =====================
// 例：heighttx_00000000000000000042_000003
func KeyHeightTx(height uint64, index int) string {
	return withVer(fmt.Sprintf("heighttx_%020d_%06d", height, index))
}

// 扫描起点：某高度的第一笔交易
func KeyHeightTxStart(height uint64) string {
	return withVer(fmt.Sprintf("heighttx_%020d_", height))
}

func PrefixHeightTx() string { return withVer("heighttx_") }

// ===================== 未确认交易 =====================
// 例：pending_tx_<txID>
func KeyPendingTx(txID string) string { return withVer("pending_tx_" + txID) }

func PrefixPendingTx() string { return withVer("pending_tx_") }

// ===================== 对等节点 =====================
// 例：peer_<host:port>
func KeyPeer(address string) string { return withVer("peer_" + address) }

func PrefixPeer() string { return withVer("peer_") }
