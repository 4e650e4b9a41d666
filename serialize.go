package xstatenet

import (
	"encoding/json"
	"strconv"
)

// MarshalJSON emits the chart as canonical strict JSON. The output is itself
// a valid chart document: parsing it yields an identical state tree.
// Transition targets are emitted as absolute paths (leading dot) so they
// rebind to the same nodes regardless of source scope.
func (c *Chart) MarshalJSON() ([]byte, error) {
	doc := map[string]any{
		"id":     c.ID,
		"states": serializeChildren(c.Root),
	}
	if c.Root.Initial != nil {
		doc["initial"] = c.Root.Initial.Name
	}
	return json.Marshal(doc)
}

func serializeChildren(s *StateNode) map[string]any {
	states := make(map[string]any, len(s.Children))
	for _, child := range s.Children {
		states[child.Name] = serializeState(child)
	}
	return states
}

func serializeState(s *StateNode) map[string]any {
	doc := make(map[string]any)

	switch s.Kind {
	case KindAtomic:
		// default, omitted
	case KindCompound:
		if len(s.Children) == 0 {
			doc["type"] = "compound"
		}
	default:
		doc["type"] = string(s.Kind)
	}
	if s.Kind == KindHistory {
		doc["history"] = string(s.Hist)
	}
	if s.Initial != nil {
		doc["initial"] = s.Initial.Name
	}
	if len(s.Children) > 0 {
		doc["states"] = serializeChildren(s)
	}
	if len(s.Entry) > 0 {
		doc["entry"] = s.Entry
	}
	if len(s.Exit) > 0 {
		doc["exit"] = s.Exit
	}
	if len(s.Activities) > 0 {
		doc["activities"] = s.Activities
	}

	if len(s.Transitions) > 0 {
		on := make(map[string]any, len(s.Transitions))
		for event, list := range s.Transitions {
			on[event] = serializeTransitions(list)
		}
		doc["on"] = on
	}
	if len(s.Always) > 0 {
		doc["always"] = serializeTransitions(s.Always)
	}
	if len(s.After) > 0 {
		after := make(map[string]any)
		for _, dt := range s.After {
			key := strconv.FormatInt(dt.Delay.Milliseconds(), 10)
			existing, _ := after[key].([]any)
			after[key] = append(existing, serializeTransition(dt.Transition))
		}
		doc["after"] = after
	}
	if len(s.Invokes) > 0 {
		invokes := make([]any, 0, len(s.Invokes))
		for _, inv := range s.Invokes {
			idoc := map[string]any{"src": inv.Src}
			if inv.ID != inv.Src {
				idoc["id"] = inv.ID
			}
			if len(inv.OnDone) > 0 {
				idoc["onDone"] = serializeTransitions(inv.OnDone)
			}
			if len(inv.OnError) > 0 {
				idoc["onError"] = serializeTransitions(inv.OnError)
			}
			invokes = append(invokes, idoc)
		}
		doc["invoke"] = invokes
	}
	return doc
}

func serializeTransitions(list []*Transition) []any {
	out := make([]any, 0, len(list))
	for _, t := range list {
		out = append(out, serializeTransition(t))
	}
	return out
}

func serializeTransition(t *Transition) map[string]any {
	doc := make(map[string]any)
	if t.Target != nil {
		doc["target"] = "." + t.Target.Path
	}
	if len(t.Guards) > 0 {
		doc["guard"] = t.Guards[0]
	}
	if len(t.Actions) > 0 {
		doc["actions"] = t.Actions
	}
	if t.Internal {
		doc["internal"] = true
	}
	return doc
}
