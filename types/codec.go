package types

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/encoding/protowire"
)

// propose / transaction 的二进制编码（protobuf wire 格式，字段号固定，不要改动）
//
//	BlockPropose: 1 height(varint) 2 id(string) 3 timestamp(varint)
//	              4 generatorPublicKey(bytes) 5 address(string) 6 hash(bytes) 7 signature(bytes)
//	Transaction:  1 id(string) 2 type(varint) 3 timestamp(varint) 4 senderPublicKey(bytes)
//	              5 senderId(string) 6 fee(string) 7 signature(bytes) 8 asset(bytes, JSON)

const (
	proposeHeight protowire.Number = iota + 1
	proposeID
	proposeTimestamp
	proposeGeneratorPublicKey
	proposeAddress
	proposeHash
	proposeSignature
)

const (
	txID protowire.Number = iota + 1
	txType
	txTimestamp
	txSenderPublicKey
	txSenderID
	txFee
	txSignature
	txAsset
)

// EncodePropose 编码提案，hex 字段按字节写入
func EncodePropose(p *Propose) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("nil propose")
	}
	pub, err := hex.DecodeString(p.GeneratorPublicKey)
	if err != nil {
		return nil, fmt.Errorf("generatorPublicKey: %w", err)
	}
	hash, err := hex.DecodeString(p.Hash)
	if err != nil {
		return nil, fmt.Errorf("hash: %w", err)
	}
	sig, err := hex.DecodeString(p.Signature)
	if err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}

	var b []byte
	b = protowire.AppendTag(b, proposeHeight, protowire.VarintType)
	b = protowire.AppendVarint(b, p.Height)
	b = protowire.AppendTag(b, proposeID, protowire.BytesType)
	b = protowire.AppendString(b, p.ID)
	b = protowire.AppendTag(b, proposeTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.Timestamp))
	b = protowire.AppendTag(b, proposeGeneratorPublicKey, protowire.BytesType)
	b = protowire.AppendBytes(b, pub)
	b = protowire.AppendTag(b, proposeAddress, protowire.BytesType)
	b = protowire.AppendString(b, p.Address)
	b = protowire.AppendTag(b, proposeHash, protowire.BytesType)
	b = protowire.AppendBytes(b, hash)
	b = protowire.AppendTag(b, proposeSignature, protowire.BytesType)
	b = protowire.AppendBytes(b, sig)
	return b, nil
}

// EncodeProposeString 广播用：二进制再做 base64
func EncodeProposeString(p *Propose) (string, error) {
	b, err := EncodePropose(p)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// DecodeProposeFields 解码提案，只返回实际出现的字段，
// 缺字段要交给 schema 校验去拒绝，不能用零值补齐
func DecodeProposeFields(b []byte) (map[string]interface{}, error) {
	fields := make(map[string]interface{})
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && (num == proposeHeight || num == proposeTimestamp):
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			b = b[m:]
			if num == proposeHeight {
				fields["height"] = v
			} else {
				fields["timestamp"] = int64(v)
			}
		case typ == protowire.BytesType && num >= proposeID && num <= proposeSignature:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			b = b[m:]
			switch num {
			case proposeID:
				fields["id"] = string(v)
			case proposeGeneratorPublicKey:
				fields["generatorPublicKey"] = hex.EncodeToString(v)
			case proposeAddress:
				fields["address"] = string(v)
			case proposeHash:
				fields["hash"] = hex.EncodeToString(v)
			case proposeSignature:
				fields["signature"] = hex.EncodeToString(v)
			}
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			b = b[m:]
		}
	}
	return fields, nil
}

// EncodeTransaction 交易二进制编码
func EncodeTransaction(tx *Transaction) ([]byte, error) {
	if tx == nil {
		return nil, fmt.Errorf("nil transaction")
	}
	pub, err := hex.DecodeString(tx.SenderPublicKey)
	if err != nil {
		return nil, fmt.Errorf("senderPublicKey: %w", err)
	}
	sig, err := hex.DecodeString(tx.Signature)
	if err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}

	var b []byte
	b = protowire.AppendTag(b, txID, protowire.BytesType)
	b = protowire.AppendString(b, tx.ID)
	b = protowire.AppendTag(b, txType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(tx.Type))
	b = protowire.AppendTag(b, txTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(tx.Timestamp))
	b = protowire.AppendTag(b, txSenderPublicKey, protowire.BytesType)
	b = protowire.AppendBytes(b, pub)
	if tx.SenderID != "" {
		b = protowire.AppendTag(b, txSenderID, protowire.BytesType)
		b = protowire.AppendString(b, tx.SenderID)
	}
	b = protowire.AppendTag(b, txFee, protowire.BytesType)
	b = protowire.AppendString(b, tx.Fee.String())
	b = protowire.AppendTag(b, txSignature, protowire.BytesType)
	b = protowire.AppendBytes(b, sig)
	if len(tx.Asset) > 0 {
		b = protowire.AppendTag(b, txAsset, protowire.BytesType)
		b = protowire.AppendBytes(b, tx.Asset)
	}
	return b, nil
}

// DecodeTransaction 交易二进制解码，未知字段跳过
func DecodeTransaction(b []byte) (*Transaction, error) {
	tx := &Transaction{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		if typ == protowire.VarintType && (num == txType || num == txTimestamp) {
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			b = b[m:]
			if num == txType {
				tx.Type = int32(v)
			} else {
				tx.Timestamp = int64(v)
			}
			continue
		}
		if typ != protowire.BytesType || num < txID || num > txAsset || num == txType || num == txTimestamp {
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			b = b[m:]
			continue
		}

		v, m := protowire.ConsumeBytes(b)
		if m < 0 {
			return nil, protowire.ParseError(m)
		}
		b = b[m:]
		switch num {
		case txID:
			tx.ID = string(v)
		case txSenderPublicKey:
			tx.SenderPublicKey = hex.EncodeToString(v)
		case txSenderID:
			tx.SenderID = string(v)
		case txFee:
			fee, err := decimal.NewFromString(string(v))
			if err != nil {
				return nil, fmt.Errorf("fee: %w", err)
			}
			tx.Fee = fee
		case txSignature:
			tx.Signature = hex.EncodeToString(v)
		case txAsset:
			tx.Asset = append([]byte(nil), v...)
		}
	}
	return tx, nil
}

// DecodeBase64 gossip 里字符串形式的负载
func DecodeBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("base64: %w", err)
	}
	return b, nil
}
