// Package relay 把链请求/链消息转发给按 chain 注册的应用链模块。
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"relaynode/interfaces"
	"relaynode/logs"
	"relaynode/types"
)

// ChainRelay 只做查表转发，不保存消息状态
type ChainRelay struct {
	mu     sync.RWMutex
	chains map[string]interfaces.ChainHandler
	Logger logs.Logger
}

func NewChainRelay(logger logs.Logger) *ChainRelay {
	if logger == nil {
		logger = logs.Default()
	}
	return &ChainRelay{
		chains: make(map[string]interfaces.ChainHandler),
		Logger: logger,
	}
}

// Register 注册应用链；重复注册覆盖旧的
func (r *ChainRelay) Register(chain string, h interfaces.ChainHandler) error {
	if chain == "" {
		return types.ErrMissingChain
	}
	if h == nil {
		return fmt.Errorf("chain %s: nil handler", chain)
	}
	r.mu.Lock()
	r.chains[chain] = h
	r.mu.Unlock()
	r.Logger.Info("[ChainRelay] registered chain %s", chain)
	return nil
}

// Unregister 应用链卸载时调用
func (r *ChainRelay) Unregister(chain string) {
	r.mu.Lock()
	delete(r.chains, chain)
	r.mu.Unlock()
}

func (r *ChainRelay) lookup(chain string) (interfaces.ChainHandler, error) {
	if chain == "" {
		return nil, types.ErrMissingChain
	}
	r.mu.RLock()
	h, ok := r.chains[chain]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownChain, chain)
	}
	return h, nil
}

// Request 转发链请求。应用链返回的结果里带 error 字段也算失败
func (r *ChainRelay) Request(ctx context.Context, chain, method, path string, query json.RawMessage) (ret map[string]interface{}, err error) {
	h, err := r.lookup(chain)
	if err != nil {
		return nil, err
	}
	defer recoverRelay(chain, &err)

	ret, err = h.Request(ctx, method, path, query)
	return checkResult(ret, err)
}

// Message 转发链消息
func (r *ChainRelay) Message(ctx context.Context, chain string, body json.RawMessage) (ret map[string]interface{}, err error) {
	h, err := r.lookup(chain)
	if err != nil {
		return nil, err
	}
	defer recoverRelay(chain, &err)

	ret, err = h.Message(ctx, body)
	return checkResult(ret, err)
}

func recoverRelay(chain string, err *error) {
	if rec := recover(); rec != nil {
		*err = fmt.Errorf("%w: chain %s panicked: %v", types.ErrRelayFailure, chain, rec)
	}
}

func checkResult(ret map[string]interface{}, err error) (map[string]interface{}, error) {
	if err != nil {
		if errors.Is(err, types.ErrRelayFailure) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", types.ErrRelayFailure, err)
	}
	if e, ok := ret["error"]; ok && e != nil && e != "" && e != false {
		return nil, fmt.Errorf("%w: %v", types.ErrRelayFailure, e)
	}
	return ret, nil
}

// Envelope 把转发结果包成统一响应：成功时 success=true 并合并应用链返回的字段
func Envelope(ret map[string]interface{}, err error) map[string]interface{} {
	if err != nil {
		return map[string]interface{}{"success": false, "error": err.Error()}
	}
	out := make(map[string]interface{}, len(ret)+1)
	for k, v := range ret {
		out[k] = v
	}
	out["success"] = true
	return out
}
