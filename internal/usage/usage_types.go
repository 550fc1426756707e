package usage

import "time"

// UsageData is the root structure persisted to usage.json.
type UsageData struct {
	Version   string          `json:"version"`
	Since     time.Time       `json:"since"`
	Aggregate AggregatedStats `json:"aggregate"`
}

// AggregatedStats holds counters broken down by various dimensions.
type AggregatedStats struct {
	Total       TrafficCounts            `json:"total"`
	ByVerb      map[string]TrafficCounts `json:"by_verb"` // authenticate, directmessage, fetch_unread, fetch_all
	ByContact   map[string]MessageCounts `json:"by_contact"`
	BySession   map[string]TrafficCounts `json:"by_session"`
	Errors      int64                    `json:"errors"`
	LastRequest time.Time                `json:"last_request,omitempty"`
}

// TrafficCounts sums requests and bytes on the wire.
type TrafficCounts struct {
	Requests int64 `json:"requests"`
	BytesOut int64 `json:"bytes_out"`
	BytesIn  int64 `json:"bytes_in"`
}

// Add records one request/reply exchange.
func (tc *TrafficCounts) Add(out, in int) {
	tc.Requests++
	tc.BytesOut += int64(out)
	tc.BytesIn += int64(in)
}

// MessageCounts sums direct messages per direction.
type MessageCounts struct {
	Sent     int64 `json:"sent"`
	Received int64 `json:"received"`
}

// Total returns sent plus received.
func (mc MessageCounts) Total() int64 {
	return mc.Sent + mc.Received
}
