package cohort

import (
	"encoding/json"

	"gopkg.in/yaml.v3"

	"phenokit/internal/domain"
	"phenokit/internal/phenotype"
)

// The cohort document groups phenotype documents by role. Every nested
// phenotype uses the phenotype wire format, so a criterion can be
// copied between a cohort file and a standalone phenotype file
// unchanged.
type cohortDoc struct {
	ClassName       string            `json:"class_name"`
	Name            string            `json:"name"`
	Entry           json.RawMessage   `json:"entry_criterion"`
	Inclusions      []json.RawMessage `json:"inclusions,omitempty"`
	Exclusions      []json.RawMessage `json:"exclusions,omitempty"`
	Characteristics []json.RawMessage `json:"characteristics,omitempty"`
	Outcomes        []json.RawMessage `json:"outcomes,omitempty"`
	DerivedTables   []json.RawMessage `json:"derived_tables,omitempty"`
	DataPeriod      json.RawMessage   `json:"data_period,omitempty"`
}

type derivedDoc struct {
	ClassName string   `json:"class_name"`
	Name      string   `json:"name"`
	Domains   []string `json:"domains"`
}

// Encode serializes the cohort definition to JSON.
func Encode(c *Cohort) ([]byte, error) {
	doc := cohortDoc{ClassName: "Cohort", Name: c.name}
	var err error
	if doc.Entry, err = phenotype.Encode(c.entry); err != nil {
		return nil, err
	}
	if doc.Inclusions, err = encodeList(c.inclusions); err != nil {
		return nil, err
	}
	if doc.Exclusions, err = encodeList(c.exclusions); err != nil {
		return nil, err
	}
	if doc.Characteristics, err = encodeList(c.characteristics); err != nil {
		return nil, err
	}
	if doc.Outcomes, err = encodeList(c.outcomes); err != nil {
		return nil, err
	}
	for _, d := range c.derived {
		raw, err := encodeDerived(d)
		if err != nil {
			return nil, err
		}
		doc.DerivedTables = append(doc.DerivedTables, raw)
	}
	if c.dataPeriod != nil {
		if doc.DataPeriod, err = phenotype.Encode(c.dataPeriod); err != nil {
			return nil, err
		}
	}
	return json.Marshal(doc)
}

// Decode rebuilds a cohort from its JSON document. All nested phenotype
// documents run through one decoder, so a phenotype embedded several
// times, an anchor shared between criteria for example, decodes to a
// single instance and the name-uniqueness check sees one node.
func Decode(data []byte) (*Cohort, error) {
	var doc cohortDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, domain.ErrDecode("Cohort", "", "invalid JSON: %v", err)
	}
	if doc.ClassName != "" && doc.ClassName != "Cohort" {
		return nil, domain.ErrDecode("Cohort", "class_name", "unexpected class %q", doc.ClassName)
	}
	if doc.Name == "" {
		return nil, domain.ErrDecode("Cohort", "name", "missing")
	}
	if !present(doc.Entry) {
		return nil, domain.ErrDecode("Cohort", "entry_criterion", "missing")
	}

	dec := phenotype.NewDecoder()
	entry, err := dec.Phenotype(doc.Entry)
	if err != nil {
		return nil, err
	}
	var opts []Option
	for _, l := range []struct {
		raw []json.RawMessage
		opt func(...phenotype.Phenotype) Option
	}{
		{doc.Inclusions, WithInclusions},
		{doc.Exclusions, WithExclusions},
		{doc.Characteristics, WithCharacteristics},
		{doc.Outcomes, WithOutcomes},
	} {
		ps, err := decodeList(dec, l.raw)
		if err != nil {
			return nil, err
		}
		if len(ps) > 0 {
			opts = append(opts, l.opt(ps...))
		}
	}
	for _, raw := range doc.DerivedTables {
		d, err := decodeDerived(raw)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithDerivedTables(d))
	}
	if present(doc.DataPeriod) {
		v, err := dec.Value(doc.DataPeriod)
		if err != nil {
			return nil, err
		}
		f, ok := v.(*phenotype.DateFilter)
		if !ok {
			return nil, domain.ErrDecode("Cohort", "data_period", "unexpected %T", v)
		}
		opts = append(opts, WithDataPeriod(f))
	}
	return NewCohort(doc.Name, entry, opts...)
}

// DecodeYAML rebuilds a cohort from a YAML rendering of the same
// document.
func DecodeYAML(data []byte) (*Cohort, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, domain.ErrDecode("Cohort", "", "invalid YAML: %v", err)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, domain.ErrDecode("Cohort", "", "document does not map to JSON: %v", err)
	}
	return Decode(b)
}

func encodeList(ps []phenotype.Phenotype) ([]json.RawMessage, error) {
	if len(ps) == 0 {
		return nil, nil
	}
	out := make([]json.RawMessage, len(ps))
	for i, p := range ps {
		b, err := phenotype.Encode(p)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

func decodeList(dec *phenotype.Decoder, raws []json.RawMessage) ([]phenotype.Phenotype, error) {
	if len(raws) == 0 {
		return nil, nil
	}
	out := make([]phenotype.Phenotype, len(raws))
	for i, raw := range raws {
		p, err := dec.Phenotype(raw)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

func encodeDerived(t DerivedTable) (json.RawMessage, error) {
	switch x := t.(type) {
	case *UnionDerivedTable:
		return json.Marshal(derivedDoc{ClassName: x.ClassName(), Name: x.Name(), Domains: x.Sources()})
	default:
		return nil, domain.ErrValidation("cannot encode derived table %T", t)
	}
}

func decodeDerived(data []byte) (DerivedTable, error) {
	var raw derivedDoc
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, domain.ErrDecode("DerivedTable", "", "invalid JSON: %v", err)
	}
	switch raw.ClassName {
	case "UnionDerivedTable":
		return NewUnionDerivedTable(raw.Name, raw.Domains)
	default:
		return nil, domain.ErrDecode("DerivedTable", "class_name", "unknown class %q", raw.ClassName)
	}
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}
