// Package integrity 计算/校验链消息的完整性戳。
//
// 线上约定（两端必须一致）：
//  1. body 序列化为规范 JSON：对象 key 按字节序排序，无多余空白，不做 HTML 转义，
//     数字保留原始字面量，不经过 float64。
//  2. digest = SHA-256(规范JSON || ":" || 十进制 timestamp)
//  3. 取 digest 前 8 字节倒序后按大端解释为 uint64（等价于前 8 字节小端读取），输出十进制字符串。
package integrity

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"

	jsoniter "github.com/json-iterator/go"
)

var canonicalAPI = jsoniter.Config{
	SortMapKeys: true,
	EscapeHTML:  false,
	UseNumber:   true,
}.Froze()

// Canonicalize 生成 body 的规范 JSON
func Canonicalize(body interface{}) ([]byte, error) {
	var raw []byte
	switch b := body.(type) {
	case nil:
		return []byte("null"), nil
	case json.RawMessage:
		raw = b
	case []byte:
		raw = b
	default:
		encoded, err := canonicalAPI.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		raw = encoded
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("null"), nil
	}

	var generic interface{}
	if err := canonicalAPI.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	out, err := canonicalAPI.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("encode canonical body: %w", err)
	}
	return out, nil
}

// Stamp 计算 (body, timestamp) 的完整性戳
func Stamp(body interface{}, timestamp int64) (string, error) {
	canonical, err := Canonicalize(body)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write(canonical)
	h.Write([]byte{':'})
	h.Write(strconv.AppendInt(nil, timestamp, 10))
	digest := h.Sum(nil)
	return strconv.FormatUint(binary.LittleEndian.Uint64(digest[:8]), 10), nil
}

// Verify 重新计算并按值比较；body 无法序列化时视为不匹配
func Verify(body interface{}, timestamp int64, token string) bool {
	if token == "" {
		return false
	}
	expected, err := Stamp(body, timestamp)
	if err != nil {
		return false
	}
	return expected == token
}
