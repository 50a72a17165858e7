// Package news defines the article and run types shared across subsystems.
package news

import (
	"encoding/json"
	"strconv"
	"time"
)

// RunStatus represents the outcome recorded for a fetch run.
type RunStatus string

// Run status values persisted in the run log.
const (
	RunStatusSuccess RunStatus = "success"
	RunStatusNoData  RunStatus = "no_data"
	RunStatusError   RunStatus = "error"
)

// Trigger names the entry point that started a run.
type Trigger string

// Trigger values recorded on each run log.
const (
	TriggerOneShot   Trigger = "oneshot"
	TriggerScheduler Trigger = "scheduler"
	TriggerHTTP      Trigger = "http"
)

// StopReason explains why pagination ended.
type StopReason string

// Pagination stop reasons, in the order they are evaluated.
const (
	StopFailure   StopReason = "failure"
	StopExhausted StopReason = "exhausted"
	StopColdStart StopReason = "cold_start"
	StopCaughtUp  StopReason = "caught_up"
	StopPageCap   StopReason = "page_cap"
)

// Article is the normalized record persisted for each news item.
type Article struct {
	Headline  string     `json:"headline" bson:"headline"`
	Summary   string     `json:"summary" bson:"summary"`
	Date      string     `json:"date" bson:"date"`
	Publisher string     `json:"publisher" bson:"publisher"`
	Stocks    []string   `json:"stocks" bson:"stocks"`
	Tag       string     `json:"tag" bson:"tag"`
	URL       string     `json:"url" bson:"url"`
	DedupKey  string     `json:"dedup_key" bson:"dedup_key"`
	FetchedAt time.Time  `json:"fetched_at" bson:"fetched_at"`
	StoredAt  *time.Time `json:"stored_at,omitempty" bson:"stored_at,omitempty"`
}

// RawArticle is one article object exactly as delivered by the remote API.
// Fields are decoded lazily so that shape irregularities never fail a page.
type RawArticle map[string]json.RawMessage

// String returns the named field as a string, or "" when it is missing or
// not a JSON string. Numbers are rendered in their JSON form.
func (r RawArticle) String(key string) string {
	raw, ok := r[key]
	if !ok {
		return ""
	}
	return scalarString(raw)
}

// Strings returns the named field as a list of identifiers. Elements may be
// strings, numbers, or objects carrying an identifier field.
func (r RawArticle) Strings(key string) []string {
	out := []string{}
	raw, ok := r[key]
	if !ok {
		return out
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return out
	}
	for _, item := range items {
		if id := identifier(item); id != "" {
			out = append(out, id)
		}
	}
	return out
}

var identifierFields = []string{"sid", "ticker", "id", "name"}

func identifier(raw json.RawMessage) string {
	if s := scalarString(raw); s != "" {
		return s
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	for _, field := range identifierFields {
		if s := scalarString(obj[field]); s != "" {
			return s
		}
	}
	return ""
}

func scalarString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return strconv.FormatBool(b)
	}
	return ""
}

// RunLog is the immutable audit entry written once per run.
type RunLog struct {
	RunID         string     `json:"run_id" bson:"run_id"`
	Timestamp     time.Time  `json:"timestamp" bson:"timestamp"`
	Trigger       Trigger    `json:"trigger" bson:"trigger"`
	TotalFetched  int        `json:"total_fetched" bson:"total_fetched"`
	NewlyInserted int        `json:"newly_inserted" bson:"newly_inserted"`
	PagesFetched  int        `json:"pages_fetched" bson:"pages_fetched"`
	Truncated     bool       `json:"truncated" bson:"truncated"`
	StopReason    StopReason `json:"stop_reason,omitempty" bson:"stop_reason,omitempty"`
	Status        RunStatus  `json:"status" bson:"status"`
	Error         *string    `json:"error" bson:"error"`
	DurationMs    int64      `json:"duration_ms" bson:"duration_ms"`
}

// FetchRequest bounds a single pagination pass.
type FetchRequest struct {
	RunID        string
	Watermark    string
	HasWatermark bool
}

// FetchResult is everything gathered by one pagination pass. Cause is set
// only when Truncated is true.
type FetchResult struct {
	Articles   []RawArticle
	Pages      int
	Truncated  bool
	StopReason StopReason
	Cause      error
}
