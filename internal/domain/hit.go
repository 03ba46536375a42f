package domain

// Hit is a single result from one search backend. Date is the entity's
// metadata date when the backend reported it, 0 otherwise; it feeds the
// recency tie-break during merging.
type Hit struct {
	EntityID string
	Score    float64
	Date     int64
}

// Source identifies which backend(s) produced a merged result.
type Source string

const (
	// SourceKeyword marks a result present only in the keyword list.
	SourceKeyword Source = "keyword"
	// SourceVector marks a result present only in the vector list.
	SourceVector Source = "vector"
	// SourceBoth marks a result present in both lists.
	SourceBoth Source = "both"
)
