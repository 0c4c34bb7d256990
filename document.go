package quarry

import (
	"bytes"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
	"gopkg.in/yaml.v3"
)

// SearchDocument is the serializable form of a Search, used by the CLI and
// at process boundaries. Where holds a filter in the filter language and is
// combined with Filters using the same junction.
type SearchDocument struct {
	Type        string   `json:"type" yaml:"type" msgpack:"type"`
	Where       string   `json:"where,omitempty" yaml:"where,omitempty" msgpack:"where,omitempty"`
	Filters     []Filter `json:"filters,omitempty" yaml:"filters,omitempty" msgpack:"filters,omitempty"`
	Disjunction bool     `json:"disjunction,omitempty" yaml:"disjunction,omitempty" msgpack:"disjunction,omitempty"`
	Sorts       []Sort   `json:"sorts,omitempty" yaml:"sorts,omitempty" msgpack:"sorts,omitempty"`
	Fields      []Field  `json:"fields,omitempty" yaml:"fields,omitempty" msgpack:"fields,omitempty"`
	Fetches     []string `json:"fetches,omitempty" yaml:"fetches,omitempty" msgpack:"fetches,omitempty"`
	Distinct    bool     `json:"distinct,omitempty" yaml:"distinct,omitempty" msgpack:"distinct,omitempty"`
	FirstResult *int     `json:"firstResult,omitempty" yaml:"firstResult,omitempty" msgpack:"firstResult,omitempty"`
	MaxResults  *int     `json:"maxResults,omitempty" yaml:"maxResults,omitempty" msgpack:"maxResults,omitempty"`
	Page        *int     `json:"page,omitempty" yaml:"page,omitempty" msgpack:"page,omitempty"`
	ResultMode  string   `json:"resultMode,omitempty" yaml:"resultMode,omitempty" msgpack:"resultMode,omitempty"`
}

// Document converts s. Unset paging values are omitted.
func (s Search) Document() SearchDocument {
	doc := SearchDocument{
		Type:        s.typeName,
		Filters:     s.Filters(),
		Disjunction: s.disjunction,
		Sorts:       s.Sorts(),
		Fields:      s.Fields(),
		Fetches:     s.Fetches(),
		Distinct:    s.distinct,
	}
	opt := func(v int) *int {
		if v == -1 {
			return nil
		}
		return &v
	}
	doc.FirstResult = opt(s.firstResult)
	doc.MaxResults = opt(s.maxResults)
	doc.Page = opt(s.page)
	if s.resultMode != ResultAuto {
		doc.ResultMode = s.resultMode.String()
	}
	return doc
}

// Search validates the document and builds the search it describes.
func (d SearchDocument) Search() (Search, error) {
	if d.Type == "" {
		return Search{}, &ConfigurationError{Setting: "type", Value: d.Type, Reason: "search document needs a type"}
	}
	b := NewSearch(d.Type)
	if d.Where != "" {
		f, err := ParseFilter(d.Where)
		if err != nil {
			return Search{}, err
		}
		b.AddFilter(f)
	}
	b.AddFilter(d.Filters...).
		SetDisjunction(d.Disjunction).
		AddSorts(d.Sorts...).
		AddFields(d.Fields...).
		AddFetch(d.Fetches...).
		SetDistinct(d.Distinct)

	for _, p := range []struct {
		v   *int
		set func(int) error
	}{
		{d.FirstResult, b.SetFirstResult},
		{d.MaxResults, b.SetMaxResults},
		{d.Page, b.SetPage},
	} {
		if p.v == nil {
			continue
		}
		if err := p.set(*p.v); err != nil {
			return Search{}, err
		}
	}
	mode, err := ParseResultMode(d.ResultMode)
	if err != nil {
		return Search{}, err
	}
	if err := b.SetResultMode(mode); err != nil {
		return Search{}, err
	}
	return b.Build(), nil
}

// DecodeSearchYAML reads one YAML search document.
func DecodeSearchYAML(r io.Reader) (Search, error) {
	var doc SearchDocument
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return Search{}, fmt.Errorf("quarry: decode search: %w", err)
	}
	return doc.Search()
}

// EncodeSearchYAML writes s as a YAML search document.
func EncodeSearchYAML(w io.Writer, s Search) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(s.Document()); err != nil {
		return fmt.Errorf("quarry: encode search: %w", err)
	}
	return enc.Close()
}

// EncodeSearchMsgpack encodes s for transport.
func EncodeSearchMsgpack(s Search) ([]byte, error) {
	data, err := msgpack.Marshal(s.Document())
	if err != nil {
		return nil, fmt.Errorf("quarry: encode search: %w", err)
	}
	return data, nil
}

// DecodeSearchMsgpack is the inverse of EncodeSearchMsgpack. Integer filter
// values come back as int64 or uint64.
func DecodeSearchMsgpack(data []byte) (Search, error) {
	var doc SearchDocument
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(&doc); err != nil {
		return Search{}, fmt.Errorf("quarry: decode search: %w", err)
	}
	return doc.Search()
}
