package xstatenet

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hjson/hjson-go/v4"
)

const (
	// MaxChartBytes is the largest chart document accepted by the parser.
	MaxChartBytes = 10 << 20
	// MaxChartDepth is the deepest state nesting accepted by the parser.
	MaxChartDepth = 100
)

// chartDoc is the raw decoded form of a chart document. The relaxed dialect
// (unquoted keys, single quotes, trailing commas) is normalized through hjson
// before decoding, so the doc types only deal with strict JSON.
type chartDoc struct {
	ID      string               `json:"id"`
	Initial string               `json:"initial"`
	States  map[string]*stateDoc `json:"states"`
}

type stateDoc struct {
	Type       string                    `json:"type"`
	History    string                    `json:"history"`
	Initial    string                    `json:"initial"`
	States     map[string]*stateDoc      `json:"states"`
	Entry      stringList                `json:"entry"`
	Exit       stringList                `json:"exit"`
	On         map[string]transitionList `json:"on"`
	After      map[string]transitionList `json:"after"`
	Always     transitionList            `json:"always"`
	Invoke     invokeList                `json:"invoke"`
	Activities stringList                `json:"activities"`
	Meta       json.RawMessage           `json:"meta"`
}

type transitionDoc struct {
	Target   string     `json:"target"`
	Guard    string     `json:"guard"`
	Cond     string     `json:"cond"` // alias for guard
	Actions  stringList `json:"actions"`
	Internal bool       `json:"internal"`
}

type invokeDoc struct {
	ID      string         `json:"id"`
	Src     string         `json:"src"`
	OnDone  transitionList `json:"onDone"`
	OnError transitionList `json:"onError"`
}

// stringList accepts either a bare string or a list of strings.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = stringList{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*l = list
	return nil
}

// transitionList accepts a bare target string, a single transition object, or
// an ordered list of either, evaluated first-match-wins.
type transitionList []*transitionDoc

func (l *transitionList) UnmarshalJSON(data []byte) error {
	switch {
	case len(data) == 0:
		return nil
	case data[0] == '[':
		var raw []json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		for _, item := range raw {
			t, err := decodeTransitionDoc(item)
			if err != nil {
				return err
			}
			*l = append(*l, t)
		}
		return nil
	default:
		t, err := decodeTransitionDoc(data)
		if err != nil {
			return err
		}
		*l = transitionList{t}
		return nil
	}
}

func decodeTransitionDoc(data []byte) (*transitionDoc, error) {
	if len(data) > 0 && data[0] == '"' {
		var target string
		if err := json.Unmarshal(data, &target); err != nil {
			return nil, err
		}
		return &transitionDoc{Target: target}, nil
	}
	var t transitionDoc
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

type invokeList []*invokeDoc

func (l *invokeList) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		var list []*invokeDoc
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		*l = list
		return nil
	}
	var one invokeDoc
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	*l = invokeList{&one}
	return nil
}

// ParseChart parses a relaxed-JSON chart document into an immutable Chart.
func ParseChart(data []byte) (*Chart, error) {
	if len(data) > MaxChartBytes {
		return nil, parseErrorf("", "chart exceeds %d bytes", MaxChartBytes)
	}

	var raw any
	if err := hjson.Unmarshal(normalizeQuotes(data), &raw); err != nil {
		return nil, &ParseError{Reason: err.Error()}
	}
	// Round-trip through strict JSON so the doc types decode uniformly.
	strict, err := json.Marshal(raw)
	if err != nil {
		return nil, &ParseError{Reason: err.Error()}
	}
	var doc chartDoc
	if err := json.Unmarshal(strict, &doc); err != nil {
		return nil, &ParseError{Reason: err.Error()}
	}
	return buildChart(&doc)
}

// ParseChartString is ParseChart over a string.
func ParseChartString(s string) (*Chart, error) {
	return ParseChart([]byte(s))
}

// normalizeQuotes rewrites single-quoted strings to double-quoted ones so
// the rest of the relaxed dialect can go straight through hjson. Quotes
// inside double-quoted strings are left alone.
func normalizeQuotes(data []byte) []byte {
	out := make([]byte, 0, len(data))
	inDouble, inSingle := false, false
	for i := 0; i < len(data); i++ {
		c := data[i]
		switch {
		case inDouble:
			out = append(out, c)
			if c == '\\' && i+1 < len(data) {
				i++
				out = append(out, data[i])
			} else if c == '"' {
				inDouble = false
			}
		case inSingle:
			switch c {
			case '\'':
				out = append(out, '"')
				inSingle = false
			case '"':
				out = append(out, '\\', '"')
			case '\\':
				out = append(out, c)
				if i+1 < len(data) {
					i++
					out = append(out, data[i])
				}
			default:
				out = append(out, c)
			}
		case c == '"':
			inDouble = true
			out = append(out, c)
		case c == '\'':
			inSingle = true
			out = append(out, '"')
		default:
			out = append(out, c)
		}
	}
	return out
}

type chartBuilder struct {
	chart    *Chart
	pending  []pendingTransition
	actions  map[string]struct{}
	guards   map[string]struct{}
	services map[string]struct{}
}

type pendingTransition struct {
	trans  *Transition
	target string
}

func buildChart(doc *chartDoc) (*Chart, error) {
	if doc.ID == "" {
		return nil, parseErrorf("", "machine id is required")
	}
	if len(doc.States) == 0 {
		return nil, parseErrorf("", "states map is required")
	}

	b := &chartBuilder{
		chart: &Chart{
			ID:     doc.ID,
			states: make(map[string]*StateNode),
		},
		actions:  make(map[string]struct{}),
		guards:   make(map[string]struct{}),
		services: make(map[string]struct{}),
	}

	root := &StateNode{
		Name: doc.ID,
		Path: "",
		Kind: KindCompound,
	}
	b.chart.Root = root
	b.chart.states[""] = root

	if err := b.buildChildren(root, doc.States, 1); err != nil {
		return nil, err
	}
	if err := b.setInitial(root, doc.Initial, ""); err != nil {
		return nil, err
	}
	if err := b.resolveTargets(); err != nil {
		return nil, err
	}

	b.chart.ReferencedActions = sortedKeys(b.actions)
	b.chart.ReferencedGuards = sortedKeys(b.guards)
	b.chart.ReferencedServices = sortedKeys(b.services)
	return b.chart, nil
}

func (b *chartBuilder) buildChildren(parent *StateNode, docs map[string]*stateDoc, depth int) error {
	if depth > MaxChartDepth {
		return parseErrorf(parent.Path, "nesting exceeds depth %d", MaxChartDepth)
	}
	names := make([]string, 0, len(docs))
	for name := range docs {
		names = append(names, name)
	}
	// Child order is lexicographic by name: deterministic regardless of the
	// relaxed dialect's key ordering.
	sort.Strings(names)

	parent.byName = make(map[string]*StateNode, len(names))
	for _, name := range names {
		child, err := b.buildState(parent, name, docs[name], depth)
		if err != nil {
			return err
		}
		parent.Children = append(parent.Children, child)
		parent.byName[name] = child
		b.chart.states[child.Path] = child
	}
	return nil
}

func (b *chartBuilder) buildState(parent *StateNode, name string, doc *stateDoc, depth int) (*StateNode, error) {
	path := name
	if parent.Path != "" {
		path = parent.Path + "." + name
	}

	s := &StateNode{
		Name:   name,
		Path:   path,
		Parent: parent,
		depth:  depth,
	}

	switch doc.Type {
	case "", "atomic":
		if len(doc.States) > 0 {
			s.Kind = KindCompound
		} else {
			s.Kind = KindAtomic
		}
	case "compound":
		s.Kind = KindCompound
	case "parallel":
		s.Kind = KindParallel
	case "final":
		s.Kind = KindFinal
	case "history":
		s.Kind = KindHistory
		switch doc.History {
		case "", "shallow":
			s.Hist = HistoryShallow
		case "deep":
			s.Hist = HistoryDeep
		default:
			return nil, parseErrorf(path, "unknown history kind %q", doc.History)
		}
	default:
		return nil, parseErrorf(path, "unknown state kind %q", doc.Type)
	}

	s.Entry = doc.Entry
	s.Exit = doc.Exit
	s.Activities = doc.Activities
	for _, a := range doc.Entry {
		b.actions[a] = struct{}{}
	}
	for _, a := range doc.Exit {
		b.actions[a] = struct{}{}
	}
	for _, svc := range doc.Activities {
		b.services[svc] = struct{}{}
	}

	if len(doc.States) > 0 {
		if s.Kind == KindAtomic || s.Kind == KindFinal || s.Kind == KindHistory {
			return nil, parseErrorf(path, "%s state cannot have children", s.Kind)
		}
		if err := b.buildChildren(s, doc.States, depth+1); err != nil {
			return nil, err
		}
		if err := b.setInitial(s, doc.Initial, path); err != nil {
			return nil, err
		}
	} else if s.Kind == KindCompound || s.Kind == KindParallel {
		return nil, parseErrorf(path, "%s state requires children", s.Kind)
	}

	for event, list := range doc.On {
		for _, td := range list {
			t, err := b.buildTransition(s, event, td)
			if err != nil {
				return nil, err
			}
			if s.Transitions == nil {
				s.Transitions = make(map[string][]*Transition)
			}
			s.Transitions[event] = append(s.Transitions[event], t)
		}
	}
	for _, td := range doc.Always {
		t, err := b.buildTransition(s, "", td)
		if err != nil {
			return nil, err
		}
		s.Always = append(s.Always, t)
	}

	delays := make([]string, 0, len(doc.After))
	for key := range doc.After {
		delays = append(delays, key)
	}
	sort.Strings(delays)
	for _, key := range delays {
		ms, err := strconv.Atoi(key)
		if err != nil || ms < 0 {
			return nil, parseErrorf(path, "after delay %q is not a millisecond count", key)
		}
		for _, td := range doc.After[key] {
			t, err := b.buildTransition(s, "", td)
			if err != nil {
				return nil, err
			}
			s.After = append(s.After, &DelayedTransition{
				Delay:      time.Duration(ms) * time.Millisecond,
				Transition: t,
			})
		}
	}

	for _, id := range doc.Invoke {
		if id.Src == "" {
			return nil, parseErrorf(path, "invoke requires src")
		}
		inv := &InvokeDef{ID: id.ID, Src: id.Src}
		if inv.ID == "" {
			inv.ID = id.Src
		}
		b.services[id.Src] = struct{}{}
		for _, td := range id.OnDone {
			t, err := b.buildTransition(s, DoneInvokeEvent(inv.ID), td)
			if err != nil {
				return nil, err
			}
			inv.OnDone = append(inv.OnDone, t)
		}
		for _, td := range id.OnError {
			t, err := b.buildTransition(s, ErrorInvokeEvent(inv.ID), td)
			if err != nil {
				return nil, err
			}
			inv.OnError = append(inv.OnError, t)
		}
		s.Invokes = append(s.Invokes, inv)
	}

	return s, nil
}

func (b *chartBuilder) buildTransition(source *StateNode, event string, doc *transitionDoc) (*Transition, error) {
	t := &Transition{
		Source:   source,
		Event:    event,
		Actions:  doc.Actions,
		Internal: doc.Internal,
	}
	guard := doc.Guard
	if guard == "" {
		guard = doc.Cond
	}
	if guard != "" {
		t.Guards = []string{guard}
		b.guards[guard] = struct{}{}
	}
	for _, a := range doc.Actions {
		b.actions[a] = struct{}{}
	}
	if doc.Target != "" {
		b.pending = append(b.pending, pendingTransition{trans: t, target: doc.Target})
	}
	return t, nil
}

func (b *chartBuilder) setInitial(s *StateNode, initial, path string) error {
	if s.Kind == KindParallel {
		if initial != "" {
			return parseErrorf(path, "parallel state cannot declare initial")
		}
		return nil
	}
	if initial != "" {
		child := s.Child(initial)
		if child == nil {
			return parseErrorf(path, "initial state %q not found", initial)
		}
		if child.Kind == KindHistory {
			return parseErrorf(path, "initial state %q is a history pseudostate", initial)
		}
		s.Initial = child
		return nil
	}
	for _, child := range s.Children {
		if child.Kind != KindHistory {
			s.Initial = child
			return nil
		}
	}
	return parseErrorf(path, "compound state has no non-history children")
}

// resolveTargets binds every pending target path. Resolution is relative:
// the path is tried against the source's own scope, then each enclosing
// scope outward. A leading dot makes the path absolute from the root.
func (b *chartBuilder) resolveTargets() error {
	for _, p := range b.pending {
		target := b.resolvePath(p.trans.Source, p.target)
		if target == nil {
			return parseErrorf(p.trans.Source.Path, "cannot resolve transition target %q", p.target)
		}
		p.trans.Target = target
	}
	return nil
}

func (b *chartBuilder) resolvePath(source *StateNode, path string) *StateNode {
	if strings.HasPrefix(path, ".") {
		return descend(b.chart.Root, strings.TrimPrefix(path, "."))
	}
	// Scope order: the source itself (so a target may name the source's own
	// child), then each ancestor. At each scope the first segment must be
	// the scope's direct child, or the scope's own name (self target).
	for scope := source; scope != nil; scope = scope.Parent {
		if found := descend(scope, path); found != nil {
			return found
		}
		if scope.Name == path {
			return scope
		}
	}
	return nil
}

func descend(scope *StateNode, path string) *StateNode {
	cur := scope
	for _, seg := range strings.Split(path, ".") {
		next := cur.Child(seg)
		if next == nil {
			return nil
		}
		cur = next
	}
	return cur
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Bind verifies every name the chart references resolves in the registry.
// Missing names fail here, at bind time, never during execution.
func (c *Chart) Bind(reg *Registry) error {
	var missing []string
	for _, name := range c.ReferencedActions {
		if reg.LookupAction(name) == nil {
			missing = append(missing, "action:"+name)
		}
	}
	for _, name := range c.ReferencedGuards {
		if reg.LookupGuard(name) == nil {
			missing = append(missing, "guard:"+name)
		}
	}
	for _, name := range c.ReferencedServices {
		if reg.LookupService(name) == nil {
			missing = append(missing, "service:"+name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrUnregisteredName, strings.Join(missing, ", "))
	}
	return nil
}
