package phenotype

import (
	"bytes"
	"encoding/json"
	"time"

	"phenokit/internal/domain"
)

// Codec for the phenotype object graph. Every serializable type carries
// a class_name tag; encoding walks the constructor-declared fields into
// {class_name, ...} JSON and decoding is the exact inverse: resolve the
// concrete type from the tag, decode nested tagged objects recursively,
// and rebuild through the type's constructor so decoded values pass the
// same validation as hand-built ones. Fields absent from a document take
// the constructor's defaults.

const dateLayout = "2006-01-02"

// Encode renders a phenotype, filter, comparator, codelist, or
// expression node as class_name-tagged JSON.
func Encode(v any) ([]byte, error) {
	doc, err := encodeValue(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

// Decode reverses Encode, resolving the concrete type from its
// class_name tag.
func Decode(data []byte) (any, error) {
	return NewDecoder().Value(data)
}

// EncodePhenotype renders a phenotype as class_name-tagged JSON.
func EncodePhenotype(p Phenotype) ([]byte, error) {
	doc, err := encodePhenotype(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

// DecodePhenotype decodes a phenotype document. Structurally identical
// nested phenotype documents within one call decode to a single shared
// instance, so a decoded graph keeps the node identity the uniqueness
// validation relies on.
func DecodePhenotype(data []byte) (Phenotype, error) {
	return NewDecoder().Phenotype(data)
}

// rawEnvelope is the first decode phase: read the tag, leave the rest.
type rawEnvelope struct {
	ClassName string `json:"class_name"`
}

// Decoder interns phenotypes by their compacted document text for the
// decoder's lifetime, restoring shared references the flat JSON cannot
// express. Callers decoding several documents that may reference the
// same phenotypes, such as the criteria of one cohort, should run them
// through a single Decoder.
type Decoder struct {
	interned map[string]Phenotype
}

func NewDecoder() *Decoder {
	return &Decoder{interned: map[string]Phenotype{}}
}

// Phenotype decodes one phenotype document.
func (d *Decoder) Phenotype(data []byte) (Phenotype, error) {
	return d.decodePhenotype(data)
}

// Value decodes any tagged document, resolving the concrete type from
// its class_name.
func (d *Decoder) Value(data []byte) (any, error) {
	return d.decodeValue(data)
}

func (d *Decoder) decodeValue(data []byte) (any, error) {
	var env rawEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, domain.ErrDecode("document", "", "invalid JSON: %v", err)
	}
	switch env.ClassName {
	case "Value", "GreaterThan", "GreaterThanOrEqualTo", "LessThan", "LessThanOrEqualTo", "EqualTo":
		return d.decodeComparator(data)
	case "DateValue", "After", "AfterOrOn", "Before", "BeforeOrOn", "On":
		return d.decodeDateComparator(data)
	case "ValueFilter":
		return d.decodeValueFilter(data)
	case "DateFilter":
		return d.decodeDateFilter(data)
	case "CategoricalFilter", "AndFilter", "OrFilter", "NotFilter":
		return d.decodeCategorical(data)
	case "RelativeTimeRangeFilter":
		return d.decodeTimeRange(data)
	case "Codelist":
		return d.decodeCodelist(data)
	case "ComputationGraph":
		return d.decodeExpr(data)
	default:
		return d.decodePhenotype(data)
	}
}

func encodeValue(v any) (any, error) {
	switch x := v.(type) {
	case *Comparator:
		return encodeComparator(x)
	case *DateComparator:
		return encodeDateComparator(x)
	case *ValueFilter:
		return encodeValueFilter(x)
	case *DateFilter:
		return encodeDateFilter(x)
	case Categorical:
		return encodeCategorical(x)
	case *RelativeTimeRangeFilter:
		return encodeTimeRange(x)
	case *Codelist:
		return encodeCodelist(x)
	case Phenotype:
		return encodePhenotype(x)
	case Expr:
		return encodeExpr(x)
	default:
		return nil, domain.ErrValidation("cannot encode %T", v)
	}
}

// --- comparators ---

var comparatorTags = map[string]string{
	">":  "GreaterThan",
	">=": "GreaterThanOrEqualTo",
	"<":  "LessThan",
	"<=": "LessThanOrEqualTo",
	"=":  "EqualTo",
}

var comparatorOps = map[string]string{
	"GreaterThan":          ">",
	"GreaterThanOrEqualTo": ">=",
	"LessThan":             "<",
	"LessThanOrEqualTo":    "<=",
	"EqualTo":              "=",
}

var dateComparatorTags = map[string]string{
	">":  "After",
	">=": "AfterOrOn",
	"<":  "Before",
	"<=": "BeforeOrOn",
	"=":  "On",
}

var dateComparatorOps = map[string]string{
	"After":      ">",
	"AfterOrOn":  ">=",
	"Before":     "<",
	"BeforeOrOn": "<=",
	"On":         "=",
}

type comparatorDoc struct {
	ClassName string  `json:"class_name"`
	Operator  string  `json:"operator"`
	Value     float64 `json:"value"`
}

func encodeComparator(c *Comparator) (any, error) {
	tag, ok := comparatorTags[c.Operator]
	if !ok {
		return nil, domain.ErrValidation("cannot encode comparator with operator %q", c.Operator)
	}
	return comparatorDoc{ClassName: tag, Operator: c.Operator, Value: c.Value}, nil
}

func (d *Decoder) decodeComparator(data []byte) (*Comparator, error) {
	var raw struct {
		ClassName string   `json:"class_name"`
		Operator  string   `json:"operator"`
		Value     *float64 `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, domain.ErrDecode("Value", "", "invalid JSON: %v", err)
	}
	op := raw.Operator
	if op == "" {
		op = comparatorOps[raw.ClassName]
	}
	if op == "" {
		return nil, domain.ErrDecode(raw.ClassName, "operator", "missing required field")
	}
	if _, ok := comparatorTags[op]; !ok {
		return nil, domain.ErrDecode(raw.ClassName, "operator", "unknown operator %q", op)
	}
	if raw.Value == nil {
		return nil, domain.ErrDecode(raw.ClassName, "value", "missing required field")
	}
	return &Comparator{Operator: op, Value: *raw.Value}, nil
}

type dateComparatorDoc struct {
	ClassName string `json:"class_name"`
	Operator  string `json:"operator"`
	Value     string `json:"value"`
}

func encodeDateComparator(c *DateComparator) (any, error) {
	tag, ok := dateComparatorTags[c.Operator]
	if !ok {
		return nil, domain.ErrValidation("cannot encode date comparator with operator %q", c.Operator)
	}
	return dateComparatorDoc{ClassName: tag, Operator: c.Operator, Value: c.Value.Format(dateLayout)}, nil
}

func (d *Decoder) decodeDateComparator(data []byte) (*DateComparator, error) {
	var raw dateComparatorDoc
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, domain.ErrDecode("DateValue", "", "invalid JSON: %v", err)
	}
	op := raw.Operator
	if op == "" {
		op = dateComparatorOps[raw.ClassName]
	}
	if op == "" {
		return nil, domain.ErrDecode(raw.ClassName, "operator", "missing required field")
	}
	if _, ok := dateComparatorTags[op]; !ok {
		return nil, domain.ErrDecode(raw.ClassName, "operator", "unknown operator %q", op)
	}
	value, err := decodeDate(raw.ClassName, "value", raw.Value)
	if err != nil {
		return nil, err
	}
	return &DateComparator{Operator: op, Value: value}, nil
}

func decodeDate(typeName, field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, domain.ErrDecode(typeName, field, "missing required field")
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, domain.ErrDecode(typeName, field, "invalid date %q", s)
	}
	return t, nil
}

// --- filters ---

type valueFilterDoc struct {
	ClassName  string `json:"class_name"`
	MinValue   any    `json:"min_value,omitempty"`
	MaxValue   any    `json:"max_value,omitempty"`
	ColumnName string `json:"column_name"`
}

func encodeValueFilter(f *ValueFilter) (any, error) {
	doc := valueFilterDoc{ClassName: "ValueFilter", ColumnName: f.Column}
	var err error
	if f.Min != nil {
		if doc.MinValue, err = encodeComparator(f.Min); err != nil {
			return nil, err
		}
	}
	if f.Max != nil {
		if doc.MaxValue, err = encodeComparator(f.Max); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

func (d *Decoder) decodeValueFilter(data []byte) (*ValueFilter, error) {
	var raw struct {
		MinValue   json.RawMessage `json:"min_value"`
		MaxValue   json.RawMessage `json:"max_value"`
		ColumnName string          `json:"column_name"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, domain.ErrDecode("ValueFilter", "", "invalid JSON: %v", err)
	}
	f := &ValueFilter{Column: raw.ColumnName}
	if f.Column == "" {
		f.Column = domain.ColValue
	}
	var err error
	if present(raw.MinValue) {
		if f.Min, err = d.decodeComparator(raw.MinValue); err != nil {
			return nil, err
		}
	}
	if present(raw.MaxValue) {
		if f.Max, err = d.decodeComparator(raw.MaxValue); err != nil {
			return nil, err
		}
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

type dateFilterDoc struct {
	ClassName  string `json:"class_name"`
	MinValue   any    `json:"min_value,omitempty"`
	MaxValue   any    `json:"max_value,omitempty"`
	ColumnName string `json:"column_name"`
}

func encodeDateFilter(f *DateFilter) (any, error) {
	doc := dateFilterDoc{ClassName: "DateFilter", ColumnName: f.Column}
	var err error
	if f.Min != nil {
		if doc.MinValue, err = encodeDateComparator(f.Min); err != nil {
			return nil, err
		}
	}
	if f.Max != nil {
		if doc.MaxValue, err = encodeDateComparator(f.Max); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

func (d *Decoder) decodeDateFilter(data []byte) (*DateFilter, error) {
	var raw struct {
		MinValue   json.RawMessage `json:"min_value"`
		MaxValue   json.RawMessage `json:"max_value"`
		ColumnName string          `json:"column_name"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, domain.ErrDecode("DateFilter", "", "invalid JSON: %v", err)
	}
	f := &DateFilter{Column: raw.ColumnName}
	if f.Column == "" {
		f.Column = domain.ColEventDate
	}
	var err error
	if present(raw.MinValue) {
		if f.Min, err = d.decodeDateComparator(raw.MinValue); err != nil {
			return nil, err
		}
	}
	if present(raw.MaxValue) {
		if f.Max, err = d.decodeDateComparator(raw.MaxValue); err != nil {
			return nil, err
		}
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

type categoricalFilterDoc struct {
	ClassName     string   `json:"class_name"`
	ColumnName    string   `json:"column_name"`
	AllowedValues []string `json:"allowed_values"`
	Domain        string   `json:"domain,omitempty"`
}

type booleanFilterDoc struct {
	ClassName string `json:"class_name"`
	Filters   []any  `json:"filters"`
}

var booleanFilterTags = map[string]string{
	"and": "AndFilter",
	"or":  "OrFilter",
	"not": "NotFilter",
}

func encodeCategorical(c Categorical) (any, error) {
	switch f := c.(type) {
	case *CategoricalFilter:
		return categoricalFilterDoc{
			ClassName:     "CategoricalFilter",
			ColumnName:    f.Column,
			AllowedValues: f.Allowed,
			Domain:        f.Domain,
		}, nil
	case *BooleanFilter:
		tag, ok := booleanFilterTags[f.Op]
		if !ok {
			return nil, domain.ErrValidation("cannot encode categorical filter with operator %q", f.Op)
		}
		doc := booleanFilterDoc{ClassName: tag, Filters: make([]any, 0, len(f.Operands))}
		for _, op := range f.Operands {
			enc, err := encodeCategorical(op)
			if err != nil {
				return nil, err
			}
			doc.Filters = append(doc.Filters, enc)
		}
		return doc, nil
	default:
		return nil, domain.ErrValidation("cannot encode categorical filter %T", c)
	}
}

func (d *Decoder) decodeCategorical(data []byte) (Categorical, error) {
	var env rawEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, domain.ErrDecode("CategoricalFilter", "", "invalid JSON: %v", err)
	}
	switch env.ClassName {
	case "CategoricalFilter":
		var raw categoricalFilterDoc
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, domain.ErrDecode("CategoricalFilter", "", "invalid JSON: %v", err)
		}
		if raw.ColumnName == "" {
			return nil, domain.ErrDecode("CategoricalFilter", "column_name", "missing required field")
		}
		f := &CategoricalFilter{Column: raw.ColumnName, Allowed: raw.AllowedValues, Domain: raw.Domain}
		if err := f.Validate(); err != nil {
			return nil, err
		}
		return f, nil
	case "AndFilter", "OrFilter", "NotFilter":
		var raw struct {
			Filters []json.RawMessage `json:"filters"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, domain.ErrDecode(env.ClassName, "", "invalid JSON: %v", err)
		}
		operands := make([]Categorical, 0, len(raw.Filters))
		for _, rf := range raw.Filters {
			op, err := d.decodeCategorical(rf)
			if err != nil {
				return nil, err
			}
			operands = append(operands, op)
		}
		var f *BooleanFilter
		switch env.ClassName {
		case "AndFilter":
			f = AndFilter(operands...)
		case "OrFilter":
			f = OrFilter(operands...)
		default:
			if len(operands) != 1 {
				return nil, domain.ErrDecode("NotFilter", "filters", "needs exactly one operand, has %d", len(operands))
			}
			f = NotFilter(operands[0])
		}
		if err := f.Validate(); err != nil {
			return nil, err
		}
		return f, nil
	default:
		return nil, domain.ErrDecode(env.ClassName, "", "unknown class name %q", env.ClassName)
	}
}

type timeRangeDoc struct {
	ClassName       string `json:"class_name"`
	When            string `json:"when"`
	MinDays         any    `json:"min_days,omitempty"`
	MaxDays         any    `json:"max_days,omitempty"`
	AnchorPhenotype any    `json:"anchor_phenotype,omitempty"`
}

func encodeTimeRange(f *RelativeTimeRangeFilter) (any, error) {
	doc := timeRangeDoc{ClassName: "RelativeTimeRangeFilter", When: f.When}
	var err error
	if f.MinDays != nil {
		if doc.MinDays, err = encodeComparator(f.MinDays); err != nil {
			return nil, err
		}
	}
	if f.MaxDays != nil {
		if doc.MaxDays, err = encodeComparator(f.MaxDays); err != nil {
			return nil, err
		}
	}
	if f.Anchor != nil {
		if doc.AnchorPhenotype, err = encodePhenotype(f.Anchor); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

func (d *Decoder) decodeTimeRange(data []byte) (*RelativeTimeRangeFilter, error) {
	var raw struct {
		When            string          `json:"when"`
		MinDays         json.RawMessage `json:"min_days"`
		MaxDays         json.RawMessage `json:"max_days"`
		AnchorPhenotype json.RawMessage `json:"anchor_phenotype"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, domain.ErrDecode("RelativeTimeRangeFilter", "", "invalid JSON: %v", err)
	}
	if raw.When == "" {
		return nil, domain.ErrDecode("RelativeTimeRangeFilter", "when", "missing required field")
	}
	f := NewRelativeTimeRange(raw.When)
	var err error
	if present(raw.MinDays) {
		if f.MinDays, err = d.decodeComparator(raw.MinDays); err != nil {
			return nil, err
		}
	}
	if present(raw.MaxDays) {
		if f.MaxDays, err = d.decodeComparator(raw.MaxDays); err != nil {
			return nil, err
		}
	}
	if present(raw.AnchorPhenotype) {
		if f.Anchor, err = d.decodePhenotype(raw.AnchorPhenotype); err != nil {
			return nil, err
		}
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// --- codelist ---

type codelistDoc struct {
	ClassName         string              `json:"class_name"`
	Name              string              `json:"name"`
	Codelist          map[string][]string `json:"codelist,omitempty"`
	UseCodeType       bool                `json:"use_code_type"`
	RemovePunctuation bool                `json:"remove_punctuation"`
	Path              string              `json:"path,omitempty"`
	FileFormat        string              `json:"file_format,omitempty"`
}

func encodeCodelist(c *Codelist) (any, error) {
	return codelistDoc{
		ClassName:         "Codelist",
		Name:              c.Name,
		Codelist:          c.Codes,
		UseCodeType:       c.UseCodeType,
		RemovePunctuation: c.RemovePunctuation,
		Path:              c.Path,
		FileFormat:        c.Format,
	}, nil
}

func (d *Decoder) decodeCodelist(data []byte) (*Codelist, error) {
	var raw struct {
		Name              string              `json:"name"`
		Codelist          map[string][]string `json:"codelist"`
		UseCodeType       *bool               `json:"use_code_type"`
		RemovePunctuation bool                `json:"remove_punctuation"`
		Path              string              `json:"path"`
		FileFormat        string              `json:"file_format"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, domain.ErrDecode("Codelist", "", "invalid JSON: %v", err)
	}
	if raw.Name == "" {
		return nil, domain.ErrDecode("Codelist", "name", "missing required field")
	}
	// An absent use_code_type keeps the constructor default.
	useCodeType := true
	if raw.UseCodeType != nil {
		useCodeType = *raw.UseCodeType
	}
	c := &Codelist{
		Name:              raw.Name,
		Codes:             raw.Codelist,
		UseCodeType:       useCodeType,
		RemovePunctuation: raw.RemovePunctuation,
		Path:              raw.Path,
		Format:            raw.FileFormat,
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// --- expressions ---

type computationGraphDoc struct {
	ClassName string `json:"class_name"`
	Operator  string `json:"operator"`
	Left      any    `json:"left,omitempty"`
	Right     any    `json:"right"`
}

func encodeExpr(e Expr) (any, error) {
	switch v := e.(type) {
	case *Leaf:
		return encodePhenotype(v.Phenotype)
	case *Const:
		return v.Value, nil
	case *ComputationGraph:
		doc := computationGraphDoc{ClassName: "ComputationGraph", Operator: v.Op}
		var err error
		if v.Left != nil {
			if doc.Left, err = encodeExpr(v.Left); err != nil {
				return nil, err
			}
		}
		if v.Right == nil {
			return nil, domain.ErrValidation("cannot encode expression operator %q without a right operand", v.Op)
		}
		if doc.Right, err = encodeExpr(v.Right); err != nil {
			return nil, err
		}
		return doc, nil
	default:
		return nil, domain.ErrValidation("cannot encode expression node %T", e)
	}
}

func (d *Decoder) decodeExpr(data []byte) (Expr, error) {
	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		return &Const{Value: num}, nil
	}
	var env rawEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, domain.ErrDecode("ComputationGraph", "", "invalid JSON: %v", err)
	}
	if env.ClassName != "ComputationGraph" {
		p, err := d.decodePhenotype(data)
		if err != nil {
			return nil, err
		}
		return &Leaf{Phenotype: p}, nil
	}
	var raw struct {
		Operator string          `json:"operator"`
		Left     json.RawMessage `json:"left"`
		Right    json.RawMessage `json:"right"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, domain.ErrDecode("ComputationGraph", "", "invalid JSON: %v", err)
	}
	if raw.Operator == "" {
		return nil, domain.ErrDecode("ComputationGraph", "operator", "missing required field")
	}
	if !present(raw.Right) {
		return nil, domain.ErrDecode("ComputationGraph", "right", "missing required field")
	}
	g := &ComputationGraph{Op: raw.Operator}
	var err error
	if present(raw.Left) {
		if g.Left, err = d.decodeExpr(raw.Left); err != nil {
			return nil, err
		}
	}
	if g.Right, err = d.decodeExpr(raw.Right); err != nil {
		return nil, err
	}
	return g, nil
}

// --- phenotypes ---

func encodePhenotype(p Phenotype) (any, error) {
	switch v := p.(type) {
	case *CodelistPhenotype:
		return encodeCodelistPhenotype(v)
	case *MeasurementPhenotype:
		return encodeMeasurementPhenotype(v)
	case *MeasurementChangePhenotype:
		return encodeMeasurementChangePhenotype(v)
	case *AgePhenotype:
		return encodeAgePhenotype(v)
	case *SexPhenotype:
		return encodeSexPhenotype(v)
	case *DeathPhenotype:
		return encodeDeathPhenotype(v)
	case *EventCountPhenotype:
		return encodeEventCountPhenotype(v)
	case *TimeRangePhenotype:
		return encodeTimeRangePhenotype(v)
	case *WithinSameEncounterPhenotype:
		return encodeEncounterPhenotype(v)
	case *LogicPhenotype:
		return encodeCompositePhenotype(v.ClassName(), &v.base, v.expr)
	case *ScorePhenotype:
		return encodeCompositePhenotype(v.ClassName(), &v.base, v.expr)
	case *ArithmeticPhenotype:
		return encodeCompositePhenotype(v.ClassName(), &v.base, v.expr)
	default:
		return nil, domain.ErrValidation("cannot encode phenotype %T", p)
	}
}

func (d *Decoder) decodePhenotype(data []byte) (Phenotype, error) {
	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		return nil, domain.ErrDecode("Phenotype", "", "invalid JSON: %v", err)
	}
	key := compact.String()
	if p, ok := d.interned[key]; ok {
		return p, nil
	}

	var env rawEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, domain.ErrDecode("Phenotype", "", "invalid JSON: %v", err)
	}
	var (
		p   Phenotype
		err error
	)
	switch env.ClassName {
	case "CodelistPhenotype":
		p, err = d.decodeCodelistPhenotype(data)
	case "MeasurementPhenotype":
		p, err = d.decodeMeasurementPhenotype(data)
	case "MeasurementChangePhenotype":
		p, err = d.decodeMeasurementChangePhenotype(data)
	case "AgePhenotype":
		p, err = d.decodeAgePhenotype(data)
	case "SexPhenotype":
		p, err = d.decodeSexPhenotype(data)
	case "DeathPhenotype":
		p, err = d.decodeDeathPhenotype(data)
	case "EventCountPhenotype":
		p, err = d.decodeEventCountPhenotype(data)
	case "TimeRangePhenotype":
		p, err = d.decodeTimeRangePhenotype(data)
	case "WithinSameEncounterPhenotype":
		p, err = d.decodeEncounterPhenotype(data)
	case "LogicPhenotype", "ScorePhenotype", "ArithmeticPhenotype":
		p, err = d.decodeCompositePhenotype(env.ClassName, data)
	case "":
		return nil, domain.ErrDecode("Phenotype", "class_name", "missing required field")
	default:
		return nil, domain.ErrDecode(env.ClassName, "", "unknown class name %q", env.ClassName)
	}
	if err != nil {
		return nil, err
	}
	d.interned[key] = p
	return p, nil
}

type codelistPhenotypeDoc struct {
	ClassName          string `json:"class_name"`
	Name               string `json:"name"`
	Domain             string `json:"domain"`
	Codelist           any    `json:"codelist"`
	ReturnDate         string `json:"return_date"`
	CategoricalFilter  any    `json:"categorical_filter,omitempty"`
	DateFilter         any    `json:"date_filter,omitempty"`
	RelativeTimeRanges []any  `json:"relative_time_ranges,omitempty"`
}

func encodeCodelistPhenotype(p *CodelistPhenotype) (any, error) {
	doc := codelistPhenotypeDoc{
		ClassName:  p.ClassName(),
		Name:       p.Name(),
		Domain:     p.domain,
		ReturnDate: string(p.returnDate),
	}
	var err error
	if doc.Codelist, err = encodeCodelist(p.codelist); err != nil {
		return nil, err
	}
	if p.categorical != nil {
		if doc.CategoricalFilter, err = encodeCategorical(p.categorical); err != nil {
			return nil, err
		}
	}
	if p.dateFilter != nil {
		if doc.DateFilter, err = encodeDateFilter(p.dateFilter); err != nil {
			return nil, err
		}
	}
	if doc.RelativeTimeRanges, err = encodeTimeRanges(p.timeRanges); err != nil {
		return nil, err
	}
	return doc, nil
}

func encodeTimeRanges(timeRanges []*RelativeTimeRangeFilter) ([]any, error) {
	if len(timeRanges) == 0 {
		return nil, nil
	}
	out := make([]any, 0, len(timeRanges))
	for _, tr := range timeRanges {
		enc, err := encodeTimeRange(tr)
		if err != nil {
			return nil, err
		}
		out = append(out, enc)
	}
	return out, nil
}

// rawCodelistPhenotype is the decode shape shared by codelist-backed
// phenotypes; measurement adds a value filter on top.
type rawCodelistPhenotype struct {
	Name               string            `json:"name"`
	Domain             string            `json:"domain"`
	Codelist           json.RawMessage   `json:"codelist"`
	ReturnDate         string            `json:"return_date"`
	CategoricalFilter  json.RawMessage   `json:"categorical_filter"`
	DateFilter         json.RawMessage   `json:"date_filter"`
	RelativeTimeRanges []json.RawMessage `json:"relative_time_ranges"`
	ValueFilter        json.RawMessage   `json:"value_filter"`
}

func (d *Decoder) codelistPhenotypeParts(typeName string, data []byte) (rawCodelistPhenotype, *Codelist, []Option, error) {
	var raw rawCodelistPhenotype
	if err := json.Unmarshal(data, &raw); err != nil {
		return raw, nil, nil, domain.ErrDecode(typeName, "", "invalid JSON: %v", err)
	}
	if raw.Name == "" {
		return raw, nil, nil, domain.ErrDecode(typeName, "name", "missing required field")
	}
	if raw.Domain == "" {
		return raw, nil, nil, domain.ErrDecode(typeName, "domain", "missing required field")
	}
	if !present(raw.Codelist) {
		return raw, nil, nil, domain.ErrDecode(typeName, "codelist", "missing required field")
	}
	codes, err := d.decodeCodelist(raw.Codelist)
	if err != nil {
		return raw, nil, nil, err
	}

	var opts []Option
	if raw.ReturnDate != "" {
		opts = append(opts, WithReturnDate(ReturnPolicy(raw.ReturnDate)))
	}
	if present(raw.CategoricalFilter) {
		c, err := d.decodeCategorical(raw.CategoricalFilter)
		if err != nil {
			return raw, nil, nil, err
		}
		opts = append(opts, WithCategorical(c))
	}
	if present(raw.DateFilter) {
		f, err := d.decodeDateFilter(raw.DateFilter)
		if err != nil {
			return raw, nil, nil, err
		}
		opts = append(opts, WithDateFilter(f))
	}
	for _, rtr := range raw.RelativeTimeRanges {
		tr, err := d.decodeTimeRange(rtr)
		if err != nil {
			return raw, nil, nil, err
		}
		opts = append(opts, WithTimeRange(tr))
	}
	return raw, codes, opts, nil
}

func (d *Decoder) decodeCodelistPhenotype(data []byte) (Phenotype, error) {
	raw, codes, opts, err := d.codelistPhenotypeParts("CodelistPhenotype", data)
	if err != nil {
		return nil, err
	}
	return NewCodelistPhenotype(raw.Name, raw.Domain, codes, opts...)
}

type measurementPhenotypeDoc struct {
	ClassName          string `json:"class_name"`
	Name               string `json:"name"`
	Domain             string `json:"domain"`
	Codelist           any    `json:"codelist"`
	ReturnDate         string `json:"return_date"`
	ValueFilter        any    `json:"value_filter,omitempty"`
	CategoricalFilter  any    `json:"categorical_filter,omitempty"`
	DateFilter         any    `json:"date_filter,omitempty"`
	RelativeTimeRanges []any  `json:"relative_time_ranges,omitempty"`
}

func encodeMeasurementPhenotype(p *MeasurementPhenotype) (any, error) {
	doc := measurementPhenotypeDoc{
		ClassName:  p.ClassName(),
		Name:       p.Name(),
		Domain:     p.domain,
		ReturnDate: string(p.returnDate),
	}
	var err error
	if doc.Codelist, err = encodeCodelist(p.codelist); err != nil {
		return nil, err
	}
	if p.valueFilter != nil {
		if doc.ValueFilter, err = encodeValueFilter(p.valueFilter); err != nil {
			return nil, err
		}
	}
	if p.categorical != nil {
		if doc.CategoricalFilter, err = encodeCategorical(p.categorical); err != nil {
			return nil, err
		}
	}
	if p.dateFilter != nil {
		if doc.DateFilter, err = encodeDateFilter(p.dateFilter); err != nil {
			return nil, err
		}
	}
	if doc.RelativeTimeRanges, err = encodeTimeRanges(p.timeRanges); err != nil {
		return nil, err
	}
	return doc, nil
}

func (d *Decoder) decodeMeasurementPhenotype(data []byte) (Phenotype, error) {
	raw, codes, opts, err := d.codelistPhenotypeParts("MeasurementPhenotype", data)
	if err != nil {
		return nil, err
	}
	if present(raw.ValueFilter) {
		f, err := d.decodeValueFilter(raw.ValueFilter)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithValueFilter(f))
	}
	return NewMeasurementPhenotype(raw.Name, raw.Domain, codes, opts...)
}

type measurementChangeDoc struct {
	ClassName           string `json:"class_name"`
	Name                string `json:"name"`
	Phenotype           any    `json:"phenotype"`
	ReturnDate          string `json:"return_date"`
	ComponentDateSelect string `json:"component_date_select"`
	ValueFilter         any    `json:"value_filter,omitempty"`
	MinDaysBetween      any    `json:"min_days_between,omitempty"`
	MaxDaysBetween      any    `json:"max_days_between,omitempty"`
}

func encodeMeasurementChangePhenotype(p *MeasurementChangePhenotype) (any, error) {
	doc := measurementChangeDoc{
		ClassName:           p.ClassName(),
		Name:                p.Name(),
		ReturnDate:          string(p.returnDate),
		ComponentDateSelect: string(p.dateSelect),
	}
	var err error
	if doc.Phenotype, err = encodePhenotype(p.inner); err != nil {
		return nil, err
	}
	if p.change != nil {
		if doc.ValueFilter, err = encodeValueFilter(p.change); err != nil {
			return nil, err
		}
	}
	if p.minDays != nil {
		if doc.MinDaysBetween, err = encodeComparator(p.minDays); err != nil {
			return nil, err
		}
	}
	if p.maxDays != nil {
		if doc.MaxDaysBetween, err = encodeComparator(p.maxDays); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// rawNestedPhenotype is the decode shape shared by phenotypes wrapping
// another phenotype with day-gap and value bounds.
type rawNestedPhenotype struct {
	Name                string          `json:"name"`
	Phenotype           json.RawMessage `json:"phenotype"`
	ReturnDate          string          `json:"return_date"`
	ComponentDateSelect string          `json:"component_date_select"`
	ValueFilter         json.RawMessage `json:"value_filter"`
	MinDaysBetween      json.RawMessage `json:"min_days_between"`
	MaxDaysBetween      json.RawMessage `json:"max_days_between"`
}

func (d *Decoder) nestedPhenotypeParts(typeName string, data []byte) (rawNestedPhenotype, Phenotype, []Option, error) {
	var raw rawNestedPhenotype
	if err := json.Unmarshal(data, &raw); err != nil {
		return raw, nil, nil, domain.ErrDecode(typeName, "", "invalid JSON: %v", err)
	}
	if raw.Name == "" {
		return raw, nil, nil, domain.ErrDecode(typeName, "name", "missing required field")
	}
	if !present(raw.Phenotype) {
		return raw, nil, nil, domain.ErrDecode(typeName, "phenotype", "missing required field")
	}
	inner, err := d.decodePhenotype(raw.Phenotype)
	if err != nil {
		return raw, nil, nil, err
	}

	var opts []Option
	if raw.ReturnDate != "" {
		opts = append(opts, WithReturnDate(ReturnPolicy(raw.ReturnDate)))
	}
	if raw.ComponentDateSelect != "" {
		opts = append(opts, WithDateSelect(DateSelect(raw.ComponentDateSelect)))
	}
	if present(raw.ValueFilter) {
		f, err := d.decodeValueFilter(raw.ValueFilter)
		if err != nil {
			return raw, nil, nil, err
		}
		opts = append(opts, WithValueFilter(f))
	}
	if present(raw.MinDaysBetween) {
		c, err := d.decodeComparator(raw.MinDaysBetween)
		if err != nil {
			return raw, nil, nil, err
		}
		opts = append(opts, WithMinDaysApart(c))
	}
	if present(raw.MaxDaysBetween) {
		c, err := d.decodeComparator(raw.MaxDaysBetween)
		if err != nil {
			return raw, nil, nil, err
		}
		opts = append(opts, WithMaxDaysApart(c))
	}
	return raw, inner, opts, nil
}

func (d *Decoder) decodeMeasurementChangePhenotype(data []byte) (Phenotype, error) {
	raw, inner, opts, err := d.nestedPhenotypeParts("MeasurementChangePhenotype", data)
	if err != nil {
		return nil, err
	}
	m, ok := inner.(*MeasurementPhenotype)
	if !ok {
		return nil, domain.ErrDecode("MeasurementChangePhenotype", "phenotype", "expected MeasurementPhenotype, got %s", inner.ClassName())
	}
	return NewMeasurementChangePhenotype(raw.Name, m, opts...)
}

type agePhenotypeDoc struct {
	ClassName   string `json:"class_name"`
	Name        string `json:"name"`
	ReturnDate  string `json:"return_date"`
	ValueFilter any    `json:"value_filter,omitempty"`
}

func encodeAgePhenotype(p *AgePhenotype) (any, error) {
	doc := agePhenotypeDoc{ClassName: p.ClassName(), Name: p.Name(), ReturnDate: string(p.returnDate)}
	var err error
	if p.valueFilter != nil {
		if doc.ValueFilter, err = encodeValueFilter(p.valueFilter); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

func (d *Decoder) decodeAgePhenotype(data []byte) (Phenotype, error) {
	var raw struct {
		Name        string          `json:"name"`
		ReturnDate  string          `json:"return_date"`
		ValueFilter json.RawMessage `json:"value_filter"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, domain.ErrDecode("AgePhenotype", "", "invalid JSON: %v", err)
	}
	if raw.Name == "" {
		return nil, domain.ErrDecode("AgePhenotype", "name", "missing required field")
	}
	var opts []Option
	if raw.ReturnDate != "" {
		opts = append(opts, WithReturnDate(ReturnPolicy(raw.ReturnDate)))
	}
	if present(raw.ValueFilter) {
		f, err := d.decodeValueFilter(raw.ValueFilter)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithValueFilter(f))
	}
	return NewAgePhenotype(raw.Name, opts...)
}

type sexPhenotypeDoc struct {
	ClassName     string   `json:"class_name"`
	Name          string   `json:"name"`
	ReturnDate    string   `json:"return_date"`
	AllowedValues []string `json:"allowed_values"`
}

func encodeSexPhenotype(p *SexPhenotype) (any, error) {
	return sexPhenotypeDoc{
		ClassName:     p.ClassName(),
		Name:          p.Name(),
		ReturnDate:    string(p.returnDate),
		AllowedValues: p.allowed,
	}, nil
}

func (d *Decoder) decodeSexPhenotype(data []byte) (Phenotype, error) {
	var raw sexPhenotypeDoc
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, domain.ErrDecode("SexPhenotype", "", "invalid JSON: %v", err)
	}
	if raw.Name == "" {
		return nil, domain.ErrDecode("SexPhenotype", "name", "missing required field")
	}
	var opts []Option
	if raw.ReturnDate != "" {
		opts = append(opts, WithReturnDate(ReturnPolicy(raw.ReturnDate)))
	}
	return NewSexPhenotype(raw.Name, raw.AllowedValues, opts...)
}

type deathPhenotypeDoc struct {
	ClassName          string `json:"class_name"`
	Name               string `json:"name"`
	ReturnDate         string `json:"return_date"`
	RelativeTimeRanges []any  `json:"relative_time_ranges,omitempty"`
}

func encodeDeathPhenotype(p *DeathPhenotype) (any, error) {
	doc := deathPhenotypeDoc{ClassName: p.ClassName(), Name: p.Name(), ReturnDate: string(p.returnDate)}
	var err error
	if doc.RelativeTimeRanges, err = encodeTimeRanges(p.timeRanges); err != nil {
		return nil, err
	}
	return doc, nil
}

func (d *Decoder) decodeDeathPhenotype(data []byte) (Phenotype, error) {
	var raw struct {
		Name               string            `json:"name"`
		ReturnDate         string            `json:"return_date"`
		RelativeTimeRanges []json.RawMessage `json:"relative_time_ranges"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, domain.ErrDecode("DeathPhenotype", "", "invalid JSON: %v", err)
	}
	if raw.Name == "" {
		return nil, domain.ErrDecode("DeathPhenotype", "name", "missing required field")
	}
	var opts []Option
	if raw.ReturnDate != "" {
		opts = append(opts, WithReturnDate(ReturnPolicy(raw.ReturnDate)))
	}
	for _, rtr := range raw.RelativeTimeRanges {
		tr, err := d.decodeTimeRange(rtr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithTimeRange(tr))
	}
	return NewDeathPhenotype(raw.Name, opts...)
}

type eventCountDoc struct {
	ClassName           string `json:"class_name"`
	Name                string `json:"name"`
	Phenotype           any    `json:"phenotype"`
	ReturnDate          string `json:"return_date"`
	ComponentDateSelect string `json:"component_date_select"`
	ValueFilter         any    `json:"value_filter,omitempty"`
	MinDaysBetween      any    `json:"min_days_between,omitempty"`
	MaxDaysBetween      any    `json:"max_days_between,omitempty"`
}

func encodeEventCountPhenotype(p *EventCountPhenotype) (any, error) {
	doc := eventCountDoc{
		ClassName:           p.ClassName(),
		Name:                p.Name(),
		ReturnDate:          string(p.returnDate),
		ComponentDateSelect: string(p.dateSelect),
	}
	var err error
	if doc.Phenotype, err = encodePhenotype(p.inner); err != nil {
		return nil, err
	}
	if p.countFilter != nil {
		if doc.ValueFilter, err = encodeValueFilter(p.countFilter); err != nil {
			return nil, err
		}
	}
	if p.minDays != nil {
		if doc.MinDaysBetween, err = encodeComparator(p.minDays); err != nil {
			return nil, err
		}
	}
	if p.maxDays != nil {
		if doc.MaxDaysBetween, err = encodeComparator(p.maxDays); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

func (d *Decoder) decodeEventCountPhenotype(data []byte) (Phenotype, error) {
	raw, inner, opts, err := d.nestedPhenotypeParts("EventCountPhenotype", data)
	if err != nil {
		return nil, err
	}
	return NewEventCountPhenotype(raw.Name, inner, opts...)
}

type timeRangePhenotypeDoc struct {
	ClassName       string `json:"class_name"`
	Name            string `json:"name"`
	Domain          string `json:"domain"`
	ReturnDate      string `json:"return_date"`
	MaxGapDays      int    `json:"max_gap_days"`
	DaysUntilGap    bool   `json:"days_until_gap"`
	ValueFilter     any    `json:"value_filter,omitempty"`
	AnchorPhenotype any    `json:"anchor_phenotype,omitempty"`
}

func encodeTimeRangePhenotype(p *TimeRangePhenotype) (any, error) {
	doc := timeRangePhenotypeDoc{
		ClassName:    p.ClassName(),
		Name:         p.Name(),
		Domain:       p.domain,
		ReturnDate:   string(p.returnDate),
		MaxGapDays:   p.maxGapDays,
		DaysUntilGap: p.daysUntilGap,
	}
	var err error
	if p.valueFilter != nil {
		if doc.ValueFilter, err = encodeValueFilter(p.valueFilter); err != nil {
			return nil, err
		}
	}
	if p.anchor != nil {
		if doc.AnchorPhenotype, err = encodePhenotype(p.anchor); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

func (d *Decoder) decodeTimeRangePhenotype(data []byte) (Phenotype, error) {
	var raw struct {
		Name            string          `json:"name"`
		Domain          string          `json:"domain"`
		ReturnDate      string          `json:"return_date"`
		MaxGapDays      int             `json:"max_gap_days"`
		DaysUntilGap    bool            `json:"days_until_gap"`
		ValueFilter     json.RawMessage `json:"value_filter"`
		AnchorPhenotype json.RawMessage `json:"anchor_phenotype"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, domain.ErrDecode("TimeRangePhenotype", "", "invalid JSON: %v", err)
	}
	if raw.Name == "" {
		return nil, domain.ErrDecode("TimeRangePhenotype", "name", "missing required field")
	}
	var opts []Option
	if raw.ReturnDate != "" {
		opts = append(opts, WithReturnDate(ReturnPolicy(raw.ReturnDate)))
	}
	if raw.MaxGapDays != 0 {
		opts = append(opts, WithMaxGapDays(raw.MaxGapDays))
	}
	if raw.DaysUntilGap {
		opts = append(opts, WithDaysUntilGap())
	}
	if present(raw.ValueFilter) {
		f, err := d.decodeValueFilter(raw.ValueFilter)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithValueFilter(f))
	}
	if present(raw.AnchorPhenotype) {
		anchor, err := d.decodePhenotype(raw.AnchorPhenotype)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithAnchorPhenotype(anchor))
	}
	return NewTimeRangePhenotype(raw.Name, raw.Domain, opts...)
}

type encounterPhenotypeDoc struct {
	ClassName       string `json:"class_name"`
	Name            string `json:"name"`
	AnchorPhenotype any    `json:"anchor_phenotype"`
	Phenotype       any    `json:"phenotype"`
	ColumnName      string `json:"column_name"`
	ReturnDate      string `json:"return_date"`
}

func encodeEncounterPhenotype(p *WithinSameEncounterPhenotype) (any, error) {
	doc := encounterPhenotypeDoc{
		ClassName:  p.ClassName(),
		Name:       p.Name(),
		ColumnName: p.keyColumn,
		ReturnDate: string(p.returnDate),
	}
	var err error
	if doc.AnchorPhenotype, err = encodePhenotype(p.anchor); err != nil {
		return nil, err
	}
	if doc.Phenotype, err = encodePhenotype(p.target); err != nil {
		return nil, err
	}
	return doc, nil
}

func (d *Decoder) decodeEncounterPhenotype(data []byte) (Phenotype, error) {
	var raw struct {
		Name            string          `json:"name"`
		AnchorPhenotype json.RawMessage `json:"anchor_phenotype"`
		Phenotype       json.RawMessage `json:"phenotype"`
		ColumnName      string          `json:"column_name"`
		ReturnDate      string          `json:"return_date"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, domain.ErrDecode("WithinSameEncounterPhenotype", "", "invalid JSON: %v", err)
	}
	if raw.Name == "" {
		return nil, domain.ErrDecode("WithinSameEncounterPhenotype", "name", "missing required field")
	}
	if !present(raw.AnchorPhenotype) {
		return nil, domain.ErrDecode("WithinSameEncounterPhenotype", "anchor_phenotype", "missing required field")
	}
	if !present(raw.Phenotype) {
		return nil, domain.ErrDecode("WithinSameEncounterPhenotype", "phenotype", "missing required field")
	}
	if raw.ColumnName == "" {
		return nil, domain.ErrDecode("WithinSameEncounterPhenotype", "column_name", "missing required field")
	}
	anchor, err := d.decodePhenotype(raw.AnchorPhenotype)
	if err != nil {
		return nil, err
	}
	target, err := d.decodePhenotype(raw.Phenotype)
	if err != nil {
		return nil, err
	}
	var opts []Option
	if raw.ReturnDate != "" {
		opts = append(opts, WithReturnDate(ReturnPolicy(raw.ReturnDate)))
	}
	return NewWithinSameEncounterPhenotype(raw.Name, anchor, target, raw.ColumnName, opts...)
}

type compositePhenotypeDoc struct {
	ClassName  string `json:"class_name"`
	Name       string `json:"name"`
	Expression any    `json:"expression"`
	ReturnDate string `json:"return_date"`
}

func encodeCompositePhenotype(className string, b *base, expr Expr) (any, error) {
	doc := compositePhenotypeDoc{
		ClassName:  className,
		Name:       b.Name(),
		ReturnDate: string(b.returnDate),
	}
	var err error
	if doc.Expression, err = encodeExpr(expr); err != nil {
		return nil, err
	}
	return doc, nil
}

func (d *Decoder) decodeCompositePhenotype(className string, data []byte) (Phenotype, error) {
	var raw struct {
		Name       string          `json:"name"`
		Expression json.RawMessage `json:"expression"`
		ReturnDate string          `json:"return_date"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, domain.ErrDecode(className, "", "invalid JSON: %v", err)
	}
	if raw.Name == "" {
		return nil, domain.ErrDecode(className, "name", "missing required field")
	}
	if !present(raw.Expression) {
		return nil, domain.ErrDecode(className, "expression", "missing required field")
	}
	expr, err := d.decodeExpr(raw.Expression)
	if err != nil {
		return nil, err
	}
	var opts []Option
	if raw.ReturnDate != "" {
		opts = append(opts, WithReturnDate(ReturnPolicy(raw.ReturnDate)))
	}
	switch className {
	case "LogicPhenotype":
		return NewLogicPhenotype(raw.Name, expr, opts...)
	case "ScorePhenotype":
		return NewScorePhenotype(raw.Name, expr, opts...)
	default:
		return NewArithmeticPhenotype(raw.Name, expr, opts...)
	}
}

// present reports whether a raw JSON field carries a value.
func present(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}
