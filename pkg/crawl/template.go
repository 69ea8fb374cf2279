package crawl

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"net/url"
)

// RequestTemplate is a JSON request description that plugins ship alongside
// their code and patch per seed, e.g. setting a paging offset or date window.
type RequestTemplate struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	JSON    map[string]any    `json:"json,omitempty"`
	Data    map[string]string `json:"data,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// LoadTemplate decodes a template.
func LoadTemplate(raw []byte) (RequestTemplate, error) {
	var t RequestTemplate
	if err := json.Unmarshal(raw, &t); err != nil {
		return RequestTemplate{}, fmt.Errorf("decode request template: %w", err)
	}
	if t.URL == "" {
		return RequestTemplate{}, fmt.Errorf("request template has no url")
	}
	if t.JSON != nil && t.Data != nil {
		return RequestTemplate{}, fmt.Errorf("request template sets both json and data")
	}
	return t, nil
}

// WithJSONField returns a copy with a top-level JSON body field set.
func (t RequestTemplate) WithJSONField(key string, value any) RequestTemplate {
	out := t.clone()
	if out.JSON == nil {
		out.JSON = make(map[string]any)
	}
	out.JSON[key] = value
	return out
}

// WithFormField returns a copy with a form body field set.
func (t RequestTemplate) WithFormField(key, value string) RequestTemplate {
	out := t.clone()
	if out.Data == nil {
		out.Data = make(map[string]string)
	}
	out.Data[key] = value
	return out
}

// WithURLSuffix returns a copy whose URL has suffix appended.
func (t RequestTemplate) WithURLSuffix(suffix string) RequestTemplate {
	out := t.clone()
	out.URL += suffix
	return out
}

// Build turns the template into a Request.
func (t RequestTemplate) Build() (Request, error) {
	headers := http.Header{}
	for k, v := range t.Headers {
		headers.Set(k, v)
	}
	switch {
	case t.JSON != nil:
		body, err := json.Marshal(t.JSON)
		if err != nil {
			return Request{}, fmt.Errorf("marshal template json: %w", err)
		}
		if headers.Get("Content-Type") == "" {
			headers.Set("Content-Type", "application/json")
		}
		return NewRequest(methodOr(t.Method, http.MethodPost), t.URL, body, headers), nil
	case t.Data != nil:
		form := url.Values{}
		for k, v := range t.Data {
			form.Set(k, v)
		}
		if headers.Get("Content-Type") == "" {
			headers.Set("Content-Type", "application/x-www-form-urlencoded")
		}
		return NewRequest(methodOr(t.Method, http.MethodPost), t.URL, []byte(form.Encode()), headers), nil
	default:
		return NewRequest(methodOr(t.Method, http.MethodGet), t.URL, nil, headers), nil
	}
}

func (t RequestTemplate) clone() RequestTemplate {
	out := t
	if t.JSON != nil {
		out.JSON = maps.Clone(t.JSON)
	}
	if t.Data != nil {
		out.Data = maps.Clone(t.Data)
	}
	if t.Headers != nil {
		out.Headers = maps.Clone(t.Headers)
	}
	return out
}

func methodOr(method, fallback string) string {
	if method == "" {
		return fallback
	}
	return method
}
