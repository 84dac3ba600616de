package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// DefaultMaxProposeIDLength 提案 id 最大长度
const DefaultMaxProposeIDLength = 64

var proposeRequired = []string{"height", "id", "timestamp", "generatorPublicKey", "address", "hash", "signature"}

// ValidatePropose 按固定 schema 校验提案字段：
// height 整数且 >=1，id 字符串且不超过 maxIDLen，timestamp 整数，
// generatorPublicKey 公钥格式，address 字符串，hash 十六进制，signature 签名格式
func ValidatePropose(fields map[string]interface{}, maxIDLen int) (*Propose, error) {
	if fields == nil {
		return nil, fmt.Errorf("%w: propose is not an object", ErrSchemaViolation)
	}
	if maxIDLen <= 0 {
		maxIDLen = DefaultMaxProposeIDLength
	}
	for _, name := range proposeRequired {
		if _, ok := fields[name]; !ok {
			return nil, fmt.Errorf("%w: missing required property %s", ErrSchemaViolation, name)
		}
	}

	height, ok := asInteger(fields["height"])
	if !ok {
		return nil, fmt.Errorf("%w: height must be integer", ErrSchemaViolation)
	}
	if height < 1 {
		return nil, fmt.Errorf("%w: height must be >= 1", ErrSchemaViolation)
	}
	timestamp, ok := asInteger(fields["timestamp"])
	if !ok {
		return nil, fmt.Errorf("%w: timestamp must be integer", ErrSchemaViolation)
	}

	strs := make(map[string]string, 5)
	for _, name := range []string{"id", "generatorPublicKey", "address", "hash", "signature"} {
		s, ok := fields[name].(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s must be string", ErrSchemaViolation, name)
		}
		strs[name] = s
	}
	if len(strs["id"]) > maxIDLen {
		return nil, fmt.Errorf("%w: id longer than %d", ErrSchemaViolation, maxIDLen)
	}
	if !IsPublicKey(strs["generatorPublicKey"]) {
		return nil, fmt.Errorf("%w: generatorPublicKey is not a public key", ErrSchemaViolation)
	}
	if !IsHex(strs["hash"]) {
		return nil, fmt.Errorf("%w: hash is not hex", ErrSchemaViolation)
	}
	if !IsSignature(strs["signature"]) {
		return nil, fmt.Errorf("%w: signature has wrong format", ErrSchemaViolation)
	}

	return &Propose{
		Height:             uint64(height),
		ID:                 strs["id"],
		Timestamp:          timestamp,
		GeneratorPublicKey: strs["generatorPublicKey"],
		Address:            strs["address"],
		Hash:               strs["hash"],
		Signature:          strs["signature"],
	}, nil
}

// IsHex 非空、偶数长度、合法十六进制
func IsHex(s string) bool {
	if s == "" || len(s)%2 != 0 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// IsPublicKey secp256k1 公钥（压缩 33 字节 / 非压缩 65 字节）的十六进制
func IsPublicKey(s string) bool {
	if !IsHex(s) {
		return false
	}
	b, _ := hex.DecodeString(s)
	_, err := btcec.ParsePubKey(b)
	return err == nil
}

// IsSignature 64 字节 schnorr 签名，或 DER 编码的 ECDSA 签名
func IsSignature(s string) bool {
	if !IsHex(s) {
		return false
	}
	b, _ := hex.DecodeString(s)
	if len(b) == schnorr.SignatureSize {
		if _, err := schnorr.ParseSignature(b); err == nil {
			return true
		}
	}
	_, err := ecdsa.ParseDERSignature(b)
	return err == nil
}

func asInteger(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := strconv.ParseInt(string(n), 10, 64)
		return i, err == nil
	case int64:
		return n, true
	case int:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}
