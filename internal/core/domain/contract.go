package domain

// ContractKey uniquely identifies a tradable contract on the gateway,
// e.g. "SPY-20260206-C-450" for an option or "ES-202603" for a future.
type ContractKey string

// QualificationResult is the outcome of qualifying a contract for the
// current session. Results, positive or negative, are cached per session
// so repeated requests never re-query the gateway.
type QualificationResult struct {
	Contract  ContractKey
	Qualified bool
	// Detail carries the gateway's rejection message for invalid contracts.
	Detail string
}
