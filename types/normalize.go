package types

import (
	"encoding/json"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultNormalizer 只做结构层面的规范化；签名、余额等校验由账本模块负责
type DefaultNormalizer struct{}

func (DefaultNormalizer) NormalizeTransaction(raw json.RawMessage) (*Transaction, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%w: empty transaction", ErrNormalizationFailed)
	}
	var tx Transaction
	if err := jsonAPI.Unmarshal(raw, &tx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNormalizationFailed, err)
	}
	if err := checkTransaction(&tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (n DefaultNormalizer) NormalizeBlock(raw json.RawMessage) (*Block, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%w: empty block", ErrNormalizationFailed)
	}
	var b Block
	if err := jsonAPI.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNormalizationFailed, err)
	}
	if b.ID == "" {
		return nil, fmt.Errorf("%w: block id is empty", ErrNormalizationFailed)
	}
	if b.Height < 1 {
		return nil, fmt.Errorf("%w: block height must be >= 1", ErrNormalizationFailed)
	}
	if !IsHex(b.GeneratorPublicKey) {
		return nil, fmt.Errorf("%w: generatorPublicKey is not hex", ErrNormalizationFailed)
	}
	for _, tx := range b.Transactions {
		if err := checkTransaction(tx); err != nil {
			return nil, err
		}
	}
	return &b, nil
}

func (DefaultNormalizer) NormalizeVotes(raw json.RawMessage) (*Votes, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%w: empty votes", ErrNormalizationFailed)
	}
	var v Votes
	if err := jsonAPI.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNormalizationFailed, err)
	}
	if v.ID == "" || v.Height < 1 {
		return nil, fmt.Errorf("%w: votes must carry block id and height", ErrNormalizationFailed)
	}
	for i, s := range v.Signatures {
		if !IsHex(s.PublicKey) || !IsHex(s.Signature) {
			return nil, fmt.Errorf("%w: vote signature %d is not hex", ErrNormalizationFailed, i)
		}
	}
	return &v, nil
}

func checkTransaction(tx *Transaction) error {
	if tx == nil {
		return fmt.Errorf("%w: nil transaction", ErrNormalizationFailed)
	}
	if tx.ID == "" {
		return fmt.Errorf("%w: transaction id is empty", ErrNormalizationFailed)
	}
	if tx.Type < 0 {
		return fmt.Errorf("%w: transaction type must be >= 0", ErrNormalizationFailed)
	}
	if !IsHex(tx.SenderPublicKey) {
		return fmt.Errorf("%w: senderPublicKey is not hex", ErrNormalizationFailed)
	}
	if !IsHex(tx.Signature) {
		return fmt.Errorf("%w: signature is not hex", ErrNormalizationFailed)
	}
	if tx.Fee.IsNegative() {
		return fmt.Errorf("%w: fee must not be negative", ErrNormalizationFailed)
	}
	return nil
}
