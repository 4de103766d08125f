package phenotype

import (
	"context"
	"sort"
	"time"

	"phenokit/internal/domain"
	"phenokit/internal/graph"
	"phenokit/internal/table"
)

// Expr is a node of a phenotype expression: a phenotype reference, a
// numeric constant, or a ComputationGraph combining sub-expressions.
type Expr interface {
	exprNode()
}

// Leaf references a phenotype inside an expression. The expression owns
// its leaves exclusively: the tree is acyclic by construction.
type Leaf struct {
	Phenotype Phenotype
}

func (*Leaf) exprNode() {}

// Const is a numeric literal, valid in arithmetic expressions only.
type Const struct {
	Value float64
}

func (*Const) exprNode() {}

// ComputationGraph is a binary expression node combining two
// sub-expressions with an operator, or negating one. Evaluation is
// left then right; operators are pure.
type ComputationGraph struct {
	Op    string // "&", "|", "~", "+", "-", "*", "/"
	Left  Expr   // nil for "~"
	Right Expr
}

func (*ComputationGraph) exprNode() {}

// Ref wraps a phenotype as an expression operand.
func Ref(p Phenotype) Expr { return &Leaf{Phenotype: p} }

// Num wraps a numeric literal as an expression operand.
func Num(v float64) Expr { return &Const{Value: v} }

// And combines two boolean sub-expressions.
func And(left, right Expr) *ComputationGraph {
	return &ComputationGraph{Op: "&", Left: left, Right: right}
}

// Or combines two boolean sub-expressions.
func Or(left, right Expr) *ComputationGraph {
	return &ComputationGraph{Op: "|", Left: left, Right: right}
}

// Not negates a boolean sub-expression.
func Not(operand Expr) *ComputationGraph {
	return &ComputationGraph{Op: "~", Right: operand}
}

// Add sums two numeric sub-expressions.
func Add(left, right Expr) *ComputationGraph {
	return &ComputationGraph{Op: "+", Left: left, Right: right}
}

// Sub subtracts the right numeric sub-expression from the left.
func Sub(left, right Expr) *ComputationGraph {
	return &ComputationGraph{Op: "-", Left: left, Right: right}
}

// Mul multiplies two numeric sub-expressions.
func Mul(left, right Expr) *ComputationGraph {
	return &ComputationGraph{Op: "*", Left: left, Right: right}
}

// Div divides the left numeric sub-expression by the right. Division by
// zero yields a null value.
func Div(left, right Expr) *ComputationGraph {
	return &ComputationGraph{Op: "/", Left: left, Right: right}
}

// Leaves returns the distinct phenotypes referenced by an expression in
// evaluation order.
func Leaves(e Expr) []Phenotype {
	var out []Phenotype
	seen := map[Phenotype]bool{}
	var walk func(Expr)
	walk = func(e Expr) {
		switch v := e.(type) {
		case *Leaf:
			if v.Phenotype != nil && !seen[v.Phenotype] {
				seen[v.Phenotype] = true
				out = append(out, v.Phenotype)
			}
		case *ComputationGraph:
			if v.Left != nil {
				walk(v.Left)
			}
			if v.Right != nil {
				walk(v.Right)
			}
		}
	}
	walk(e)
	return out
}

// exprKind distinguishes the two operator families.
type exprKind int

const (
	boolExpr exprKind = iota
	numExpr
)

// validateExpr checks an expression tree against one operator family.
func validateExpr(e Expr, kind exprKind) error {
	switch v := e.(type) {
	case nil:
		return domain.ErrValidation("expression operand is missing")
	case *Leaf:
		if v.Phenotype == nil {
			return domain.ErrValidation("expression references no phenotype")
		}
		return nil
	case *Const:
		if kind == boolExpr {
			return domain.ErrValidation("numeric constant %v in a boolean expression", v.Value)
		}
		return nil
	case *ComputationGraph:
		switch v.Op {
		case "&", "|":
			if kind != boolExpr {
				return domain.ErrValidation("boolean operator %q in an arithmetic expression", v.Op)
			}
			if v.Left == nil || v.Right == nil {
				return domain.ErrValidation("operator %q needs two operands", v.Op)
			}
		case "~":
			if kind != boolExpr {
				return domain.ErrValidation("boolean operator %q in an arithmetic expression", v.Op)
			}
			if v.Left != nil || v.Right == nil {
				return domain.ErrValidation("operator %q needs exactly one right operand", v.Op)
			}
		case "+", "-", "*", "/":
			if kind != numExpr {
				return domain.ErrValidation("arithmetic operator %q in a boolean expression", v.Op)
			}
			if v.Left == nil || v.Right == nil {
				return domain.ErrValidation("operator %q needs two operands", v.Op)
			}
		default:
			return domain.ErrValidation("unknown expression operator %q", v.Op)
		}
		if v.Left != nil {
			if err := validateExpr(v.Left, kind); err != nil {
				return err
			}
		}
		return validateExpr(v.Right, kind)
	default:
		return domain.ErrValidation("unknown expression node %T", e)
	}
}

// leafState is one leaf phenotype's output indexed per person.
type leafState struct {
	matched map[string]bool
	value   map[string]float64
	dates   map[string][]time.Time
}

// gatherLeafStates reads every leaf's output table from the working set.
// A leaf's value per person is its first reported row's VALUE.
func gatherLeafStates(tables table.Set, leaves []Phenotype) (map[Phenotype]*leafState, error) {
	states := make(map[Phenotype]*leafState, len(leaves))
	for _, leaf := range leaves {
		t, err := tables.Get(leaf.Name())
		if err != nil {
			return nil, err
		}
		events, err := collectEvents(t, domain.ColEventDate, domain.ColValue)
		if err != nil {
			return nil, err
		}
		st := &leafState{
			matched: map[string]bool{},
			value:   map[string]float64{},
			dates:   map[string][]time.Time{},
		}
		for _, e := range events {
			st.matched[e.person] = true
			if e.hasValue {
				if _, ok := st.value[e.person]; !ok {
					st.value[e.person] = e.value
				}
			}
			if e.hasDate {
				st.dates[e.person] = append(st.dates[e.person], e.date)
			}
		}
		states[leaf] = st
	}
	return states, nil
}

// evalBool evaluates a boolean expression for one person. Absent
// patients are false.
func evalBool(e Expr, states map[Phenotype]*leafState, person string) bool {
	switch v := e.(type) {
	case *Leaf:
		return states[v.Phenotype].matched[person]
	case *ComputationGraph:
		switch v.Op {
		case "&":
			l := evalBool(v.Left, states, person)
			r := evalBool(v.Right, states, person)
			return l && r
		case "|":
			l := evalBool(v.Left, states, person)
			r := evalBool(v.Right, states, person)
			return l || r
		case "~":
			return !evalBool(v.Right, states, person)
		}
	}
	return false
}

// evalNum evaluates an arithmetic expression for one person. With
// indicator set, leaves contribute 1 for matched and 0 for absent
// patients; otherwise a leaf contributes its VALUE and an absent or
// valueless leaf makes the whole result null (ok=false), as does
// division by zero.
func evalNum(e Expr, states map[Phenotype]*leafState, person string, indicator bool) (float64, bool) {
	switch v := e.(type) {
	case *Const:
		return v.Value, true
	case *Leaf:
		st := states[v.Phenotype]
		if indicator {
			if st.matched[person] {
				return 1, true
			}
			return 0, true
		}
		val, ok := st.value[person]
		return val, ok
	case *ComputationGraph:
		l, lok := evalNum(v.Left, states, person, indicator)
		r, rok := evalNum(v.Right, states, person, indicator)
		if !lok || !rok {
			return 0, false
		}
		switch v.Op {
		case "+":
			return l + r, true
		case "-":
			return l - r, true
		case "*":
			return l * r, true
		case "/":
			if r == 0 {
				return 0, false
			}
			return l / r, true
		}
	}
	return 0, false
}

// matchedUniverse is the union of the leaves' matched patients, sorted.
func matchedUniverse(states map[Phenotype]*leafState, leaves []Phenotype) []string {
	seen := map[string]bool{}
	for _, leaf := range leaves {
		for person := range states[leaf].matched {
			seen[person] = true
		}
	}
	persons := make([]string, 0, len(seen))
	for p := range seen {
		persons = append(persons, p)
	}
	sort.Strings(persons)
	return persons
}

// domainUniverse is the union of patients present in the leaves' source
// domain tables, sorted. Negation complements over this set.
func domainUniverse(tables table.Set, leaves []Phenotype) ([]string, error) {
	seen := map[string]bool{}
	for _, leaf := range leaves {
		for _, d := range leaf.Domains() {
			t, err := tables.Get(d)
			if err != nil {
				return nil, err
			}
			persons, err := t.Column(domain.ColPersonID)
			if err != nil {
				return nil, err
			}
			for i := 0; i < t.NumRows(); i++ {
				if !persons.IsNull(i) {
					seen[persons.StringAt(i)] = true
				}
			}
		}
	}
	persons := make([]string, 0, len(seen))
	for p := range seen {
		persons = append(persons, p)
	}
	sort.Strings(persons)
	return persons, nil
}

// hasNot reports whether an expression contains a negation.
func hasNot(e Expr) bool {
	g, ok := e.(*ComputationGraph)
	if !ok {
		return false
	}
	if g.Op == "~" {
		return true
	}
	return (g.Left != nil && hasNot(g.Left)) || (g.Right != nil && hasNot(g.Right))
}

// compositeDates collects the deduplicated dates of the leaves that are
// true for the person, the dates a composite can report.
func compositeDates(states map[Phenotype]*leafState, leaves []Phenotype, person string) []time.Time {
	var dates []time.Time
	for _, leaf := range leaves {
		st := states[leaf]
		if st.matched[person] {
			dates = append(dates, st.dates[person]...)
		}
	}
	return distinctSorted(dates)
}

// compositeEvents expands one person's result into rows per the
// return-date policy. A person with no contributing dates still gets one
// undated row.
func compositeEvents(person string, dates []time.Time, policy ReturnPolicy, value float64, hasValue bool) []event {
	template := event{person: person, value: value, hasValue: hasValue}
	if len(dates) == 0 {
		return []event{template}
	}
	var out []event
	switch policy {
	case ReturnAll:
		for _, d := range dates {
			e := template
			e.date, e.hasDate = d, true
			out = append(out, e)
		}
	case ReturnLast:
		e := template
		e.date, e.hasDate = dates[len(dates)-1], true
		out = append(out, e)
	default:
		e := template
		e.date, e.hasDate = dates[0], true
		out = append(out, e)
	}
	return out
}

// validateCompositePolicy rejects policies composites cannot rank.
func validateCompositePolicy(name string, p ReturnPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p == ReturnNearest {
		return domain.ErrValidation("composite phenotype %q: return date %q is not supported", name, string(ReturnNearest))
	}
	return nil
}

// newComposite wires the common composite state: validates the
// expression against the operator family and registers leaves as
// dependencies.
func newComposite(name string, expr Expr, kind exprKind, o options) (base, error) {
	if name == "" {
		return base{}, domain.ErrValidation("composite phenotype: no name")
	}
	if expr == nil {
		return base{}, domain.ErrValidation("composite phenotype %q: no expression", name)
	}
	if err := validateExpr(expr, kind); err != nil {
		return base{}, err
	}
	if err := validateCompositePolicy(name, o.returnDate); err != nil {
		return base{}, err
	}
	if o.categorical != nil || o.dateFilter != nil || o.valueFilter != nil {
		return base{}, domain.ErrValidation("composite phenotype %q does not take row filters; constrain the component phenotypes instead", name)
	}
	if len(o.timeRanges) > 0 || o.anchor != nil {
		return base{}, domain.ErrValidation("composite phenotype %q does not take time ranges; constrain the component phenotypes instead", name)
	}
	leaves := Leaves(expr)
	if len(leaves) == 0 {
		return base{}, domain.ErrValidation("composite phenotype %q: expression references no phenotypes", name)
	}
	b := newBase(name, "", o.returnDate)
	deps := make([]graph.Node, 0, len(leaves))
	for _, leaf := range leaves {
		deps = append(deps, leaf)
	}
	if err := b.AddDependencies(deps...); err != nil {
		return base{}, err
	}
	return b, nil
}

// compositeDomains is the union of the leaves' domains in leaf order.
func compositeDomains(expr Expr) []string {
	var out []string
	seen := map[string]bool{}
	for _, leaf := range Leaves(expr) {
		for _, d := range leaf.Domains() {
			if !seen[d] {
				seen[d] = true
				out = append(out, d)
			}
		}
	}
	return out
}

// LogicPhenotype combines phenotypes with boolean operators. A patient
// matches when the expression is true, treating absent patients as
// false; negation complements over the patients of the leaves' domain
// tables. Reported dates follow the return-date policy over the dates of
// the true leaves; VALUE is null.
type LogicPhenotype struct {
	base
	expr Expr
}

// NewLogicPhenotype builds a boolean composite from an expression of
// "&", "|", "~" over phenotypes.
func NewLogicPhenotype(name string, expr Expr, opts ...Option) (*LogicPhenotype, error) {
	o := buildOptions(opts)
	b, err := newComposite(name, expr, boolExpr, o)
	if err != nil {
		return nil, err
	}
	return &LogicPhenotype{base: b, expr: expr}, nil
}

func (p *LogicPhenotype) ClassName() string { return "LogicPhenotype" }

func (p *LogicPhenotype) Domains() []string { return compositeDomains(p.expr) }

// Expr returns the expression tree.
func (p *LogicPhenotype) Expr() Expr { return p.expr }

func (p *LogicPhenotype) Execute(ctx context.Context, tables table.Set) (*table.Table, error) {
	leaves := Leaves(p.expr)
	states, err := gatherLeafStates(tables, leaves)
	if err != nil {
		return nil, err
	}
	var universe []string
	if hasNot(p.expr) {
		if universe, err = domainUniverse(tables, leaves); err != nil {
			return nil, err
		}
	} else {
		universe = matchedUniverse(states, leaves)
	}

	var out []event
	for _, person := range universe {
		if !evalBool(p.expr, states, person) {
			continue
		}
		dates := compositeDates(states, leaves, person)
		out = append(out, compositeEvents(person, dates, p.returnDate, 0, false)...)
	}
	return eventsTable(out), nil
}

// ScorePhenotype computes a numeric score from boolean indicators:
// matched leaves contribute 1, absent leaves 0, constants themselves.
// Patients matched by at least one leaf get a row with VALUE = score.
type ScorePhenotype struct {
	base
	expr Expr
}

// NewScorePhenotype builds a score composite from an arithmetic
// expression over phenotypes and constants.
func NewScorePhenotype(name string, expr Expr, opts ...Option) (*ScorePhenotype, error) {
	o := buildOptions(opts)
	b, err := newComposite(name, expr, numExpr, o)
	if err != nil {
		return nil, err
	}
	return &ScorePhenotype{base: b, expr: expr}, nil
}

func (p *ScorePhenotype) ClassName() string { return "ScorePhenotype" }

func (p *ScorePhenotype) Domains() []string { return compositeDomains(p.expr) }

// Expr returns the expression tree.
func (p *ScorePhenotype) Expr() Expr { return p.expr }

func (p *ScorePhenotype) Execute(ctx context.Context, tables table.Set) (*table.Table, error) {
	leaves := Leaves(p.expr)
	states, err := gatherLeafStates(tables, leaves)
	if err != nil {
		return nil, err
	}

	var out []event
	for _, person := range matchedUniverse(states, leaves) {
		score, ok := evalNum(p.expr, states, person, true)
		if !ok {
			continue
		}
		dates := compositeDates(states, leaves, person)
		out = append(out, compositeEvents(person, dates, p.returnDate, score, true)...)
	}
	return eventsTable(out), nil
}

// ArithmeticPhenotype combines the leaves' reported VALUEs numerically.
// A patient's result is null when any leaf operand is absent or
// valueless (or on division by zero); null results produce no row.
type ArithmeticPhenotype struct {
	base
	expr Expr
}

// NewArithmeticPhenotype builds an arithmetic composite over phenotype
// values and constants.
func NewArithmeticPhenotype(name string, expr Expr, opts ...Option) (*ArithmeticPhenotype, error) {
	o := buildOptions(opts)
	b, err := newComposite(name, expr, numExpr, o)
	if err != nil {
		return nil, err
	}
	return &ArithmeticPhenotype{base: b, expr: expr}, nil
}

func (p *ArithmeticPhenotype) ClassName() string { return "ArithmeticPhenotype" }

func (p *ArithmeticPhenotype) Domains() []string { return compositeDomains(p.expr) }

// Expr returns the expression tree.
func (p *ArithmeticPhenotype) Expr() Expr { return p.expr }

func (p *ArithmeticPhenotype) Execute(ctx context.Context, tables table.Set) (*table.Table, error) {
	leaves := Leaves(p.expr)
	states, err := gatherLeafStates(tables, leaves)
	if err != nil {
		return nil, err
	}

	var out []event
	for _, person := range matchedUniverse(states, leaves) {
		value, ok := evalNum(p.expr, states, person, false)
		if !ok {
			continue
		}
		dates := compositeDates(states, leaves, person)
		out = append(out, compositeEvents(person, dates, p.returnDate, value, true)...)
	}
	return eventsTable(out), nil
}
