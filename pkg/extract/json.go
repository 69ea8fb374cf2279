package extract

import (
	"encoding/json"
	"fmt"

	"github.com/InvestigativeJournalismFoundation/huon-test/pkg/crawl"
)

// Object decodes d as a JSON object keyed by field name.
func Object(d crawl.Data) (map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(d.Payload, &obj); err != nil {
		return nil, &crawl.FieldExtractionError{Field: "json", Label: d.Label, Err: err}
	}
	return obj, nil
}

// Field decodes obj[name] into v.
func Field(obj map[string]json.RawMessage, name string, v any) error {
	raw, ok := obj[name]
	if !ok {
		return &crawl.FieldExtractionError{Field: name}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &crawl.FieldExtractionError{Field: name, Err: err}
	}
	return nil
}

// Units returns one Data per element of the JSON array obj[name], each
// labeled label.
func Units(obj map[string]json.RawMessage, name string, label crawl.Label) ([]crawl.Data, error) {
	var items []json.RawMessage
	if err := Field(obj, name, &items); err != nil {
		return nil, err
	}
	out := make([]crawl.Data, 0, len(items))
	for _, item := range items {
		out = append(out, crawl.NewData(label, append([]byte(nil), item...)))
	}
	return out, nil
}

// JSONTotal reads an integer record count such as DataTables' recordsTotal
// and returns it as a LabelTotal unit for the scheduler.
func JSONTotal(obj map[string]json.RawMessage, name string) (crawl.Data, error) {
	var total int
	if err := Field(obj, name, &total); err != nil {
		return crawl.Data{}, err
	}
	if total < 0 {
		return crawl.Data{}, &crawl.FieldExtractionError{Field: name, Err: fmt.Errorf("negative total %d", total)}
	}
	return crawl.TotalData(total), nil
}
