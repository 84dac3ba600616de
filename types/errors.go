package types

import "errors"

var (
	ErrNotLoaded           = errors.New("blockchain is loading")
	ErrNotReady            = errors.New("blockchain is not ready")
	ErrNetworkMismatch     = errors.New("request is made on the wrong network")
	ErrInvalidBody         = errors.New("invalid body")
	ErrNormalizationFailed = errors.New("normalization failed")
	ErrAlreadyProcessed    = errors.New("already processed")
	ErrAlreadyExists       = errors.New("already exists")
	ErrMissingChain        = errors.New("missed chain")
	ErrMissingHash         = errors.New("missed hash sum")
	ErrIntegrityMismatch   = errors.New("wrong hash sum")
	ErrUnknownChain        = errors.New("unknown chain")
	ErrRelayFailure        = errors.New("chain relay failed")
	ErrQueryNotFound       = errors.New("not found")
	ErrQueryError          = errors.New("query failed")
	ErrQueueFull           = errors.New("ingest queue is full")
	ErrPoolFull            = errors.New("unconfirmed pool is full")
	ErrSchemaViolation     = errors.New("schema violation")
)

// Outcome 单条入站数据的终态
type Outcome string

const (
	OutcomeRejected            Outcome = "Rejected"
	OutcomeNormalizationFailed Outcome = "NormalizationFailed"
	OutcomeDuplicateRejected   Outcome = "DuplicateRejected"
	OutcomeAdmitted            Outcome = "Admitted"
	OutcomeIngestFailed        Outcome = "IngestFailed"
)
