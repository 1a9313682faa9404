package domain

import "time"

// RequestMode is the market-data request pattern. Only snapshot mode is
// ever permitted; the gateway's buffers overflow under persistent
// subscriptions, so streaming is rejected before the transport.
type RequestMode string

const (
	ModeSnapshot RequestMode = "snapshot"
	ModeStream   RequestMode = "stream"
)

// RequestKind distinguishes live quotes from historical bar requests.
type RequestKind string

const (
	KindMarketData RequestKind = "market_data"
	KindHistorical RequestKind = "historical"
)

// HistoricalWindow bounds a historical bar request. The gateway times out
// on oversized windows, so limits are enforced locally before any call.
type HistoricalWindow struct {
	Start   time.Time
	End     time.Time
	BarSize time.Duration
}

// Span returns the wall-clock width of the window.
func (w HistoricalWindow) Span() time.Duration {
	return w.End.Sub(w.Start)
}

// Bars returns the number of bars the window would produce.
func (w HistoricalWindow) Bars() int {
	if w.BarSize <= 0 {
		return 0
	}
	return int(w.Span() / w.BarSize)
}

// DataRequest is one outbound data call to the gateway.
type DataRequest struct {
	Contract ContractKey
	Mode     RequestMode
	Kind     RequestKind
	// Window must be set for historical requests and nil otherwise.
	Window   *HistoricalWindow
	IssuedAt time.Time
	// Timeout bounds the round trip; zero means the configured default.
	Timeout time.Duration
}

// Quote is one snapshot market-data response.
type Quote struct {
	Bid     float64
	Ask     float64
	Last    float64
	BidSize float64
	AskSize float64
	At      time.Time
}

// Bar is one historical OHLCV bar.
type Bar struct {
	Start  time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// MarketData is the result of a successful DataRequest. Exactly one of
// Quote or Bars is populated, matching the request kind.
type MarketData struct {
	Contract   ContractKey
	Quote      *Quote
	Bars       []Bar
	ReceivedAt time.Time
}
