package xstatenet

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"
)

// DefaultMaxEventlessLoop caps eventless-transition iterations per event.
const DefaultMaxEventlessLoop = 1024

// StepResult reports the outcome of one event handling.
type StepResult struct {
	Event               Event
	Transitioned        bool
	OldConfiguration    []string
	NewConfiguration    []string
	ActionErrors        []ActionError
	GuardErrors         []GuardError
	UnhandledErrorEvent bool
	Err                 error
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithLogger sets the machine's structured logger.
func WithLogger(logger *slog.Logger) MachineOption {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithStrictActions makes an action error abort the remaining actions of the
// step and surface on StepResult.Err. The default records the error and
// continues.
func WithStrictActions() MachineOption {
	return func(m *Machine) { m.strict = true }
}

// WithMaxEventlessLoop overrides the eventless-transition iteration cap.
// Values below DefaultMaxEventlessLoop are ignored.
func WithMaxEventlessLoop(n int) MachineOption {
	return func(m *Machine) {
		if n >= DefaultMaxEventlessLoop {
			m.maxEventless = n
		}
	}
}

// WithClock injects a clock, letting tests drive after-timers manually.
func WithClock(clock Clock) MachineOption {
	return func(m *Machine) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithEmitter sets the sink for asynchronous synthetic events (after-timer
// fires, invocation completions). The orchestrator points this back at its
// own queue so synthetic events obey the one-event-at-a-time discipline.
func WithEmitter(emit func(Event)) MachineOption {
	return func(m *Machine) { m.emit = emit }
}

// WithActionTimeout assigns a per-named-action budget. The action's
// ActionContext.Ctx is cancelled when the budget expires.
func WithActionTimeout(action string, budget time.Duration) MachineOption {
	return func(m *Machine) { m.actionBudgets[action] = budget }
}

// WithInvokeGracePeriod bounds how long a cancelled invocation may take to
// wind down before the machine logs it as leaked.
func WithInvokeGracePeriod(d time.Duration) MachineOption {
	return func(m *Machine) {
		if d > 0 {
			m.invokeGrace = d
		}
	}
}

// Machine interprets one statechart instance. It is intentionally NOT
// goroutine-safe: Start, HandleEvent, and Stop must be serialized by the
// caller. Under the orchestrator that serialization is the single consumer
// task owning the machine's event channel.
type Machine struct {
	id       string
	chart    *Chart
	registry *Registry

	logger        *slog.Logger
	strict        bool
	maxEventless  int
	clock         Clock
	emit          func(Event)
	actionBudgets map[string]time.Duration
	invokeGrace   time.Duration

	running    bool
	failed     bool
	done       bool
	active     map[*StateNode]struct{}
	contextMap map[string]any
	history    map[*StateNode][]*StateNode // keyed by history pseudostate
	completed  map[*StateNode]bool

	afterSeq map[*StateNode]uint64
	timers   map[*StateNode][]Timer

	invSeq      map[*StateNode]uint64
	invocations map[*StateNode][]*invocation

	queue []Event // internal synthetic events within one handling
}

// NewMachine creates a machine for the given chart. The chart must already
// bind against the registry; NewMachine re-checks and returns the bind error.
func NewMachine(id string, chart *Chart, registry *Registry, opts ...MachineOption) (*Machine, error) {
	if err := chart.Bind(registry); err != nil {
		return nil, err
	}
	m := &Machine{
		id:            id,
		chart:         chart,
		registry:      registry,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		maxEventless:  DefaultMaxEventlessLoop,
		clock:         systemClock{},
		actionBudgets: make(map[string]time.Duration),
		invokeGrace:   5 * time.Second,
		active:        make(map[*StateNode]struct{}),
		contextMap:    make(map[string]any),
		history:       make(map[*StateNode][]*StateNode),
		completed:     make(map[*StateNode]bool),
		afterSeq:      make(map[*StateNode]uint64),
		timers:        make(map[*StateNode][]Timer),
		invSeq:        make(map[*StateNode]uint64),
		invocations:   make(map[*StateNode][]*invocation),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// ID returns the machine id.
func (m *Machine) ID() string { return m.id }

// Chart returns the machine's immutable chart.
func (m *Machine) Chart() *Chart { return m.chart }

// Done reports whether the machine reached a top-level final state.
func (m *Machine) Done() bool { return m.done }

// Failed reports whether the machine hit a fatal condition (eventless loop).
func (m *Machine) Failed() bool { return m.failed }

// SetEmitter rebinds the synthetic-event sink. Must be called before Start.
func (m *Machine) SetEmitter(emit func(Event)) { m.emit = emit }

// ConfigurationPaths returns the active atomic state paths, sorted.
func (m *Machine) ConfigurationPaths() []string {
	var paths []string
	for _, s := range m.activeAtoms() {
		paths = append(paths, s.Path)
	}
	sort.Strings(paths)
	return paths
}

// InState reports whether the state at path (or any descendant of it) is
// active.
func (m *Machine) InState(path string) bool {
	target := m.chart.StateByPath(path)
	if target == nil {
		return false
	}
	for s := range m.active {
		if s == target || s.IsDescendantOf(target) {
			return true
		}
	}
	return false
}

// ContextSnapshot returns a copy of the machine's context map.
func (m *Machine) ContextSnapshot() map[string]any {
	snap := make(map[string]any, len(m.contextMap))
	for k, v := range m.contextMap {
		snap[k] = v
	}
	return snap
}

// SetContext seeds a context value. Only safe before Start or from the
// machine's own consumer task.
func (m *Machine) SetContext(key string, val any) {
	m.contextMap[key] = val
}

// Start computes the initial configuration and runs the entry chain
// outer-to-inner.
func (m *Machine) Start(ctx context.Context, oc *OrchestratedContext) error {
	if m.running {
		return ErrAlreadyRunning
	}
	m.running = true
	m.failed = false
	m.done = false

	st := m.newStep(Event{Name: "xstate.start"}, oc)
	m.enterDefaults(st, ctx, m.chart.Root)
	m.checkCompletion()
	m.runToQuiescence(st, ctx)
	m.finishStep(st)
	m.logger.Debug("machine started", "machine", m.id, "configuration", st.result.NewConfiguration)
	return st.result.Err
}

// Stop runs the exit chain inner-to-outer and cancels pending timers and
// invocations.
func (m *Machine) Stop(ctx context.Context, oc *OrchestratedContext) error {
	if !m.running {
		return ErrNotRunning
	}
	st := m.newStep(Event{Name: "xstate.stop"}, oc)
	m.exitAll(st, ctx)
	m.running = false
	m.queue = nil
	m.logger.Debug("machine stopped", "machine", m.id)
	return st.result.Err
}

// HandleEvent runs one macrostep: select the innermost enabled transitions,
// execute them in the canonical order, then re-evaluate eventless
// transitions and drain internal synthetic events until quiescent.
func (m *Machine) HandleEvent(ctx context.Context, ev Event, oc *OrchestratedContext) StepResult {
	if !m.running {
		return StepResult{Event: ev, Err: ErrNotRunning}
	}
	if m.failed {
		return StepResult{Event: ev, Err: ErrInfiniteTransitionLoop}
	}

	stale, unwrapped := m.screenSynthetic(ev)
	if stale {
		cfg := m.ConfigurationPaths()
		return StepResult{Event: ev, OldConfiguration: cfg, NewConfiguration: cfg}
	}
	ev = unwrapped

	st := m.newStep(ev, oc)
	m.dispatch(st, ctx, ev)
	m.runToQuiescence(st, ctx)
	m.finishStep(st)
	return st.result
}

// step accumulates one macrostep's outcome.
type step struct {
	result StepResult
	oc     *OrchestratedContext
	iters  int
}

func (m *Machine) newStep(ev Event, oc *OrchestratedContext) *step {
	if oc != nil {
		oc.snapshotMachine(m)
	}
	return &step{
		result: StepResult{Event: ev, OldConfiguration: m.ConfigurationPaths()},
		oc:     oc,
	}
}

func (m *Machine) finishStep(st *step) {
	st.result.NewConfiguration = m.ConfigurationPaths()
}

// screenSynthetic filters stale timer and invocation events and unwraps
// their payload tokens. A timer whose source state exited (or re-entered
// since scheduling) fires into the void by design.
func (m *Machine) screenSynthetic(ev Event) (stale bool, out Event) {
	switch tok := ev.Data.(type) {
	case afterToken:
		if _, ok := m.active[tok.state]; !ok || m.afterSeq[tok.state] != tok.seq {
			return true, ev
		}
		ev.Data = nil
	case invokeToken:
		if _, ok := m.active[tok.state]; !ok || m.invSeq[tok.state] != tok.seq {
			return true, ev
		}
		ev.Data = tok.payload
	}
	return false, ev
}

// dispatch selects and executes transitions for a single (possibly
// synthetic) event. Unmatched events are silently discarded, except the
// built-in RESET, which resets the machine to its initial configuration, and
// unhandled error events, which are flagged for the DLQ.
func (m *Machine) dispatch(st *step, ctx context.Context, ev Event) {
	selected := m.selectTransitions(st, ev.Name, ev)
	if len(selected) == 0 {
		if ev.Name == EventReset {
			m.resetToInitial(st, ctx)
			return
		}
		if IsErrorEvent(ev.Name) {
			st.result.UnhandledErrorEvent = true
		}
		return
	}
	m.microstep(st, ctx, ev, selected)
	m.checkCompletion()
}

// runToQuiescence re-evaluates always transitions and drains internal
// synthetic events until nothing more fires, bounded by the iteration cap.
func (m *Machine) runToQuiescence(st *step, ctx context.Context) {
	for {
		if ctx != nil && ctx.Err() != nil {
			return
		}
		st.iters++
		if st.iters > m.maxEventless {
			m.failed = true
			st.result.Err = ErrInfiniteTransitionLoop
			m.logger.Error("eventless transition loop exceeded cap",
				"machine", m.id, "cap", m.maxEventless)
			return
		}
		if selected := m.selectTransitions(st, "", Event{}); len(selected) > 0 {
			m.microstep(st, ctx, Event{}, selected)
			m.checkCompletion()
			continue
		}
		if len(m.queue) > 0 {
			ev := m.queue[0]
			m.queue = m.queue[1:]
			m.dispatch(st, ctx, ev)
			continue
		}
		return
	}
}

// queueInternal enqueues a synthetic event for processing later in the same
// macrostep.
func (m *Machine) queueInternal(ev Event) {
	m.queue = append(m.queue, ev)
}

// ---- transition selection ----

// activeAtoms returns the active leaf states, deepest first, path-ordered
// within a depth for determinism.
func (m *Machine) activeAtoms() []*StateNode {
	var atoms []*StateNode
	for s := range m.active {
		hasActiveChild := false
		for _, child := range s.Children {
			if _, ok := m.active[child]; ok {
				hasActiveChild = true
				break
			}
		}
		if !hasActiveChild {
			atoms = append(atoms, s)
		}
	}
	sort.Slice(atoms, func(i, j int) bool {
		if atoms[i].depth != atoms[j].depth {
			return atoms[i].depth > atoms[j].depth
		}
		return atoms[i].Path < atoms[j].Path
	})
	return atoms
}

// selectTransitions walks the configuration from the deepest atomic states
// outward, taking the first transition per region whose guards all pass,
// then resolves cross-region conflicts by preferring the deeper source.
func (m *Machine) selectTransitions(st *step, eventName string, ev Event) []*Transition {
	seen := make(map[*Transition]struct{})
	var selected []*Transition
	for _, atom := range m.activeAtoms() {
		for s := atom; s != nil; s = s.Parent {
			t := m.firstEnabled(st, s, eventName, ev)
			if t == nil {
				continue
			}
			if _, dup := seen[t]; !dup {
				seen[t] = struct{}{}
				selected = append(selected, t)
			}
			break
		}
	}
	return m.resolveConflicts(selected)
}

func (m *Machine) firstEnabled(st *step, s *StateNode, eventName string, ev Event) *Transition {
	for _, t := range m.transitionsFor(s, eventName, ev) {
		if m.guardsPass(st, t, ev) {
			return t
		}
	}
	return nil
}

// transitionsFor enumerates the transitions of s that can match the event
// name: the on-map in source order, after edges by their synthetic name, and
// invocation done/error edges.
func (m *Machine) transitionsFor(s *StateNode, eventName string, ev Event) []*Transition {
	if eventName == "" {
		return s.Always
	}
	var list []*Transition
	list = append(list, s.Transitions[eventName]...)
	for _, dt := range s.After {
		if eventName == afterEventName(s, dt.Delay) {
			list = append(list, dt.Transition)
		}
	}
	for _, inv := range s.Invokes {
		if eventName == DoneInvokeEvent(inv.ID) {
			list = append(list, inv.OnDone...)
		}
		if eventName == ErrorInvokeEvent(inv.ID) {
			list = append(list, inv.OnError...)
		}
	}
	return list
}

func (m *Machine) guardsPass(st *step, t *Transition, ev Event) bool {
	for _, name := range t.Guards {
		fn := m.registry.LookupGuard(name)
		ok, err := m.safeGuard(fn, t, name, ev, st)
		if err != nil {
			st.result.GuardErrors = append(st.result.GuardErrors, GuardError{
				StatePath: t.Source.Path, Guard: name, Err: err,
			})
			m.logger.Warn("guard failed, treated as false",
				"machine", m.id, "guard", name, "error", err)
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}

func (m *Machine) safeGuard(fn Guard, t *Transition, name string, ev Event, st *step) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("guard panic: %v", r)
		}
	}()
	ac := &ActionContext{Ctx: context.Background(), Event: ev, Orchestration: st.oc, machine: m}
	return fn(ac)
}

// resolveConflicts drops transitions whose exit sets overlap with a deeper
// source's selection.
func (m *Machine) resolveConflicts(selected []*Transition) []*Transition {
	if len(selected) <= 1 {
		return selected
	}
	exits := make([]map[*StateNode]struct{}, len(selected))
	for i, t := range selected {
		exits[i] = m.exitSetOf(t)
	}
	keep := make([]bool, len(selected))
	for i := range keep {
		keep[i] = true
	}
	for i := 0; i < len(selected); i++ {
		if !keep[i] {
			continue
		}
		for j := i + 1; j < len(selected); j++ {
			if !keep[j] || !overlap(exits[i], exits[j]) {
				continue
			}
			if selected[j].Source.depth > selected[i].Source.depth {
				keep[i] = false
			} else {
				keep[j] = false
			}
		}
	}
	var out []*Transition
	for i, t := range selected {
		if keep[i] {
			out = append(out, t)
		}
	}
	return out
}

func overlap(a, b map[*StateNode]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for s := range a {
		if _, ok := b[s]; ok {
			return true
		}
	}
	return false
}

// transitionDomain returns the state whose active descendants a transition
// exits. Internal transitions scope to the source itself; external ones to
// the LCCA, widened by one level when source or target is the LCCA (self
// and descendant targets re-enter).
func transitionDomain(t *Transition) *StateNode {
	if t.Target == nil || t.Internal {
		return t.Source
	}
	d := lcca(t.Source, t.Target)
	if d == t.Source || d == t.Target {
		if d.Parent != nil {
			d = d.Parent
		}
	}
	return d
}

func (m *Machine) exitSetOf(t *Transition) map[*StateNode]struct{} {
	set := make(map[*StateNode]struct{})
	if t.Target == nil {
		return set
	}
	domain := transitionDomain(t)
	for s := range m.active {
		if s.IsDescendantOf(domain) {
			set[s] = struct{}{}
		}
	}
	return set
}

// ---- transition execution ----

// microstep executes one selected transition set: exit deepest-first,
// transition actions in selection order, entry shallowest-first.
func (m *Machine) microstep(st *step, ctx context.Context, ev Event, selected []*Transition) {
	exitSet := make(map[*StateNode]struct{})
	for _, t := range selected {
		for s := range m.exitSetOf(t) {
			exitSet[s] = struct{}{}
		}
	}
	exitList := make([]*StateNode, 0, len(exitSet))
	for s := range exitSet {
		exitList = append(exitList, s)
	}
	sort.Slice(exitList, func(i, j int) bool {
		if exitList[i].depth != exitList[j].depth {
			return exitList[i].depth > exitList[j].depth
		}
		return exitList[i].Path < exitList[j].Path
	})

	// History is recorded while the configuration is still intact.
	for _, s := range exitList {
		if h := s.HistoryChild(); h != nil {
			m.recordHistory(s, h)
		}
	}
	for _, s := range exitList {
		m.exitNode(st, ctx, s, ev)
	}

	for _, t := range selected {
		m.runActions(st, ctx, t.Actions, "", ev)
	}

	for _, t := range selected {
		if t.Target == nil || t.Internal && t.Target == t.Source {
			continue
		}
		m.enterTransitionTarget(st, ctx, t)
	}

	st.result.Transitioned = true
}

func (m *Machine) enterTransitionTarget(st *step, ctx context.Context, t *Transition) {
	domain := transitionDomain(t)
	target := t.Target

	if target.Kind == KindHistory {
		m.enterChainTo(st, ctx, domain, target.Parent)
		m.enterHistory(st, ctx, target)
		return
	}

	m.enterChainTo(st, ctx, domain, target)
	m.expandDefaults(st, ctx, target)
}

// enterChainTo enters the states on the path from domain (exclusive) down to
// target (inclusive), shallowest first. Crossing a parallel state also
// brings up its sibling regions with their defaults.
func (m *Machine) enterChainTo(st *step, ctx context.Context, domain, target *StateNode) {
	var chain []*StateNode
	for cur := target; cur != nil && cur != domain; cur = cur.Parent {
		chain = append(chain, cur)
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	for i, s := range chain {
		if _, already := m.active[s]; !already {
			m.enterNode(st, ctx, s)
		}
		if s.Kind == KindParallel {
			var next *StateNode
			if i+1 < len(chain) {
				next = chain[i+1]
			}
			for _, region := range s.Children {
				if region == next || region.Kind == KindHistory {
					continue
				}
				if _, already := m.active[region]; !already {
					m.enterDefaults(st, ctx, region)
				}
			}
		}
	}
}

// expandDefaults descends from an already-entered state into its default
// substates.
func (m *Machine) expandDefaults(st *step, ctx context.Context, s *StateNode) {
	switch s.Kind {
	case KindCompound:
		if s.Initial != nil {
			m.enterDefaults(st, ctx, s.Initial)
		}
	case KindParallel:
		for _, region := range s.Children {
			if region.Kind == KindHistory {
				continue
			}
			if _, already := m.active[region]; !already {
				m.enterDefaults(st, ctx, region)
			}
		}
	}
}

// enterDefaults enters s and recursively its default descendants.
func (m *Machine) enterDefaults(st *step, ctx context.Context, s *StateNode) {
	m.enterNode(st, ctx, s)
	m.expandDefaults(st, ctx, s)
}

// enterHistory restores the recorded configuration of the history
// pseudostate's parent, or enters the default child when nothing was
// recorded. The pseudostate itself never becomes active.
func (m *Machine) enterHistory(st *step, ctx context.Context, h *StateNode) {
	parent := h.Parent
	recorded := m.history[h]
	if len(recorded) == 0 {
		if parent.Initial != nil {
			m.enterDefaults(st, ctx, parent.Initial)
		}
		return
	}
	for _, r := range recorded {
		m.enterChainTo(st, ctx, parent, r)
		m.expandDefaults(st, ctx, r)
	}
}

// enterNode activates one state: entry actions, after-timer scheduling,
// invocation and activity startup.
func (m *Machine) enterNode(st *step, ctx context.Context, s *StateNode) {
	m.active[s] = struct{}{}
	m.runActions(st, ctx, s.Entry, s.Path, st.result.Event)
	m.scheduleAfters(s)
	m.startInvocations(st, s)
}

// exitNode deactivates one state: timers and invocations are cancelled
// before the exit actions run.
func (m *Machine) exitNode(st *step, ctx context.Context, s *StateNode, ev Event) {
	m.cancelAfters(s)
	m.cancelInvocations(s)
	delete(m.completed, s)
	delete(m.active, s)
	m.runActions(st, ctx, s.Exit, s.Path, ev)
}

// exitAll exits the whole configuration, deepest first.
func (m *Machine) exitAll(st *step, ctx context.Context) {
	var list []*StateNode
	for s := range m.active {
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].depth != list[j].depth {
			return list[i].depth > list[j].depth
		}
		return list[i].Path < list[j].Path
	})
	for _, s := range list {
		m.exitNode(st, ctx, s, st.result.Event)
	}
}

// resetToInitial is the built-in RESET behavior: full exit chain, then the
// initial configuration again. The context map is preserved; history is not.
func (m *Machine) resetToInitial(st *step, ctx context.Context) {
	m.exitAll(st, ctx)
	m.history = make(map[*StateNode][]*StateNode)
	m.done = false
	m.enterDefaults(st, ctx, m.chart.Root)
	m.checkCompletion()
	st.result.Transitioned = true
}

// ---- actions ----

func (m *Machine) runActions(st *step, ctx context.Context, names []string, statePath string, ev Event) {
	for _, name := range names {
		if st.result.Err != nil && m.strict {
			return
		}
		fn := m.registry.LookupAction(name)
		if err := m.safeAction(fn, name, ctx, ev, st); err != nil {
			ae := ActionError{StatePath: statePath, Action: name, Err: err}
			st.result.ActionErrors = append(st.result.ActionErrors, ae)
			m.logger.Warn("action failed", "machine", m.id, "action", name, "error", err)
			if m.strict {
				st.result.Err = ae
				return
			}
		}
	}
}

func (m *Machine) safeAction(fn Action, name string, ctx context.Context, ev Event, st *step) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panic: %v", r)
		}
	}()
	if ctx == nil {
		ctx = context.Background()
	}
	if budget, ok := m.actionBudgets[name]; ok && budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}
	ac := &ActionContext{Ctx: ctx, Event: ev, Orchestration: st.oc, machine: m}
	return fn(ac)
}

// ---- history ----

func (m *Machine) recordHistory(s, h *StateNode) {
	var recorded []*StateNode
	switch h.Hist {
	case HistoryShallow:
		for _, child := range s.Children {
			if child.Kind == KindHistory {
				continue
			}
			if _, ok := m.active[child]; ok {
				recorded = append(recorded, child)
			}
		}
	case HistoryDeep:
		for _, atom := range m.activeAtoms() {
			if atom.IsDescendantOf(s) {
				recorded = append(recorded, atom)
			}
		}
	}
	m.history[h] = recorded
}

// ---- completion ----

// checkCompletion raises done.state events for compounds whose active child
// is final and for parallels whose every region rests in a final descendant.
// A top-level final marks the machine done.
func (m *Machine) checkCompletion() {
	for s := range m.active {
		if s.Kind != KindFinal {
			continue
		}
		p := s.Parent
		if p == nil {
			continue
		}
		if p == m.chart.Root {
			m.done = true
			continue
		}
		if p.Kind == KindCompound && !m.completed[p] {
			m.completed[p] = true
			m.queueInternal(Event{Name: DoneStateEvent(p.Path)})
		}
	}
	for s := range m.active {
		if s.Kind != KindParallel || m.completed[s] {
			continue
		}
		if m.allRegionsFinal(s) {
			m.completed[s] = true
			m.queueInternal(Event{Name: DoneStateEvent(s.Path)})
		}
	}
}

func (m *Machine) allRegionsFinal(p *StateNode) bool {
	for _, region := range p.Children {
		if region.Kind == KindHistory {
			continue
		}
		if !m.regionInFinal(region) {
			return false
		}
	}
	return true
}

func (m *Machine) regionInFinal(region *StateNode) bool {
	for s := range m.active {
		if s.Kind == KindFinal && (s == region || s.IsDescendantOf(region)) {
			return true
		}
	}
	return false
}

// emitAsync hands a synthetic event to the configured emitter. With no
// emitter wired (standalone machines without timers), the event is dropped
// with a debug log.
func (m *Machine) emitAsync(ev Event) {
	if m.emit == nil {
		m.logger.Debug("synthetic event dropped, no emitter wired",
			"machine", m.id, "event", ev.Name)
		return
	}
	m.emit(ev)
}
