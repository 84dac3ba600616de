package handlers

import (
	"errors"
	"io"
	"net/http"

	"relaynode/middleware"
	"relaynode/stats"
	"relaynode/types"
)

// HandleTransactions 本地提交交易。走到这里时 loaded / readiness / magic 都已检查过，
// 校验类错误一律 200 + success:false
func (hm *HandlerManager) HandleTransactions(w http.ResponseWriter, r *http.Request) {
	hm.Stats.RecordAPICall("HandleTransactions")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, hm.opts.MaxRequestBodySize))
	if err != nil {
		hm.Logger.Error("[Transport] Received transaction read error: %v", err)
		hm.Stats.RecordOutcome(string(types.OutcomeNormalizationFailed))
		hm.writeSubmit(w, types.SubmitResponse{Error: "Invalid transaction body"})
		return
	}

	var req types.SubmitRequest
	if err := jsonAPI.Unmarshal(body, &req); err != nil {
		hm.Logger.Error("[Transport] Received transaction parse error: %v", err)
		hm.Stats.RecordOutcome(string(types.OutcomeNormalizationFailed))
		hm.writeSubmit(w, types.SubmitResponse{Error: "Invalid transaction body"})
		return
	}
	tx, err := hm.normalizer.NormalizeTransaction(req.Transaction)
	if err != nil {
		hm.Logger.Error("[Transport] Received transaction parse error: %v", err)
		hm.Stats.RecordOutcome(string(types.OutcomeNormalizationFailed))
		hm.writeSubmit(w, types.SubmitResponse{Error: "Invalid transaction body"})
		return
	}

	if hm.processedTrs.Has(tx.ID) {
		hm.Stats.RecordOutcome(string(types.OutcomeDuplicateRejected))
		hm.writeSubmit(w, types.SubmitResponse{Error: "Already processed transaction " + tx.ID})
		return
	}

	res := hm.ingest.Process(r.Context(), tx, "http client")
	if res.Err != nil {
		if errors.Is(res.Err, types.ErrQueueFull) {
			hm.Logger.Warn("[Transport] %v", res.Err)
		}
		hm.writeSubmit(w, types.SubmitResponse{Error: res.Err.Error()})
		return
	}
	hm.writeSubmit(w, types.SubmitResponse{Success: true, TransactionID: res.Transaction.ID})
}

func (hm *HandlerManager) writeSubmit(w http.ResponseWriter, resp types.SubmitResponse) {
	middleware.WriteJSON(w, http.StatusOK, resp)
}

// StatsResponse /peer/stats 的返回
type StatsResponse struct {
	APICalls map[string]uint64               `json:"apiCalls"`
	Outcomes map[string]uint64               `json:"outcomes"`
	Channels []stats.ChannelStat             `json:"channels"`
	Caches   map[string]int                  `json:"caches"`
	Latency  map[string]stats.LatencySummary `json:"latency"`
	Loaded   bool                            `json:"loaded"`
}

// HandleStats 传输层计数器
func (hm *HandlerManager) HandleStats(w http.ResponseWriter, r *http.Request) {
	hm.Stats.RecordAPICall("HandleStats")
	channels := hm.ingest.GetChannelStats()
	for _, src := range hm.channelSources {
		channels = append(channels, src.GetChannelStats()...)
	}
	middleware.WriteJSON(w, http.StatusOK, StatsResponse{
		APICalls: hm.Stats.GetAPICallStats(),
		Outcomes: hm.Stats.GetOutcomeStats(),
		Channels: channels,
		Caches: map[string]int{
			hm.processedTrs.Name():  hm.processedTrs.Len(),
			hm.chainMessages.Name(): hm.chainMessages.Len(),
		},
		Latency: hm.Stats.GetLatencyStats(),
		Loaded:  hm.IsLoaded(),
	})
}
