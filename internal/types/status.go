package types

// Trade statuses follow the gateway's vocabulary so that notification
// payloads compare directly against stored state.
const (
	StatusWaitBuyerPay  = "WAIT_BUYER_PAY"
	StatusTradeSuccess  = "TRADE_SUCCESS"
	StatusTradeClosed   = "TRADE_CLOSED"
	StatusTradeFinished = "TRADE_FINISHED"
)

var validNext = map[string]map[string]bool{
	StatusWaitBuyerPay:  {StatusTradeSuccess: true, StatusTradeClosed: true},
	StatusTradeSuccess:  {StatusTradeFinished: true},
	StatusTradeClosed:   {},
	StatusTradeFinished: {},
}

// CanTransition reports whether a trade may move from one status to another.
func CanTransition(from, to string) bool {
	return validNext[from][to]
}

// IsTerminalSuccess reports whether a status means payment has already been
// credited. Both TRADE_SUCCESS and TRADE_FINISHED count.
func IsTerminalSuccess(status string) bool {
	return status == StatusTradeSuccess || status == StatusTradeFinished
}
