package sender

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"relaynode/types"

	jsoniter "github.com/json-iterator/go"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// 节点之间的 QUIC 路由
const (
	PathRPC = "/peer/rpc/" // 请求/响应，后接话题名
	PathPub = "/peer/pub/" // 单向广播，后接话题名
)

// maxResponseSize 单个响应体上限
const maxResponseSize = 32 << 20

// RequestHeaders 每个出站请求都带上的节点信息
type RequestHeaders struct {
	Magic   string
	Port    int
	Version string
}

func (h RequestHeaders) apply(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("magic", h.Magic)
	req.Header.Set("port", strconv.Itoa(h.Port))
	req.Header.Set("version", h.Version)
}

// postJSON 把 PeerMessage POST 到 https://target/path，返回响应体
func postJSON(ctx context.Context, client *http.Client, headers RequestHeaders, op, target, path string, msg *types.PeerMessage) ([]byte, error) {
	payload, err := jsonAPI.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal: %w", op, err)
	}
	url := fmt.Sprintf("https://%s%s", target, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	headers.apply(req)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPStatusError{Op: op, StatusCode: resp.StatusCode, Body: string(respData)}
	}
	return respData, nil
}

// publishFunc 构造发往 /peer/pub/<topic> 的 SendFunc，超时由 client.Timeout 控制
func publishFunc(headers RequestHeaders) func(*SendTask, *http.Client) error {
	return func(t *SendTask, client *http.Client) error {
		_, err := postJSON(context.Background(), client, headers, "publish."+t.Topic, t.Target, PathPub+t.Topic, t.Message)
		return err
	}
}
