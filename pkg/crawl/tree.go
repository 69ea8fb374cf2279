package crawl

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DMin is the placeholder record date carried by edges whose record date is
// not known yet.
var DMin = time.Time{}

// Label tags a Data unit or Edge with the stage that must handle it. Each
// plugin declares the closed set of labels it produces and consumes.
type Label string

// LabelTotal is reserved for Sections units that report the number of records
// a site holds for the current query. The scheduler folds these units into
// session state instead of passing them to Parse.
const LabelTotal Label = "_records_total"

// LabelSet is a closed set of labels.
type LabelSet map[Label]struct{}

// NewLabelSet builds a set from labels.
func NewLabelSet(labels ...Label) LabelSet {
	set := make(LabelSet, len(labels))
	for _, l := range labels {
		set[l] = struct{}{}
	}
	return set
}

// Has reports whether l is a member.
func (s LabelSet) Has(l Label) bool {
	_, ok := s[l]
	return ok
}

// Sorted returns the members in lexical order.
func (s LabelSet) Sorted() []Label {
	out := make([]Label, 0, len(s))
	for l := range s {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Data is a labeled unit of fetched or derived content.
type Data struct {
	Label   Label
	Payload []byte
}

// NewData builds a Data unit from raw bytes.
func NewData(label Label, payload []byte) Data {
	return Data{Label: label, Payload: payload}
}

// TextData builds a Data unit from text.
func TextData(label Label, text string) Data {
	return Data{Label: label, Payload: []byte(text)}
}

// Text returns the payload as a string.
func (d Data) Text() string { return string(d.Payload) }

// TotalData reports a site-wide record count from Sections.
func TotalData(total int) Data {
	return TextData(LabelTotal, strconv.Itoa(total))
}

// ParseTotal decodes a LabelTotal unit.
func ParseTotal(d Data) (int, error) {
	if d.Label != LabelTotal {
		return 0, fmt.Errorf("data label %q is not %q", d.Label, LabelTotal)
	}
	n, err := strconv.Atoi(strings.TrimSpace(d.Text()))
	if err != nil {
		return 0, fmt.Errorf("parse records total %q: %w", d.Text(), err)
	}
	if n < 0 {
		return 0, fmt.Errorf("records total must be >= 0, got %d", n)
	}
	return n, nil
}

// Edge is one pending unit of work: a request plus the lineage of the record
// it belongs to.
type Edge struct {
	Label      Label
	Request    Request
	ParentID   string
	ParentDate time.Time
}

// NewEdge builds an Edge.
func NewEdge(label Label, req Request, parentID string, parentDate time.Time) Edge {
	return Edge{Label: label, Request: req, ParentID: parentID, ParentDate: parentDate}
}

// EdgeKey identifies an edge for deduplication.
type EdgeKey struct {
	Label     Label
	Signature string
}

// Key returns the (label, request signature) pair.
func (e Edge) Key() EdgeKey {
	return EdgeKey{Label: e.Label, Signature: e.Request.Signature()}
}

// ParseResult is what Parse returns for one Data unit.
type ParseResult struct {
	ID    string
	Date  time.Time
	Edges []Edge
}

// Terminal reports whether the unit has no further navigation.
func (r ParseResult) Terminal() bool { return len(r.Edges) == 0 }

// Record is a completed logical entity published by a site.
type Record struct {
	Plugin      string    `json:"plugin"`
	SessionID   string    `json:"session_id"`
	ID          string    `json:"record_id"`
	Date        time.Time `json:"record_date"`
	Label       Label     `json:"label"`
	URL         string    `json:"url"`
	FetchedAt   time.Time `json:"fetched_at"`
	ContentHash string    `json:"content_hash,omitempty"`
	BlobURI     string    `json:"blob_uri,omitempty"`
}
