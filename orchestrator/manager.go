package orchestrator

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrGroupReleased is returned on any use of a released ChannelGroupToken.
// This is a programming error, not a transient condition.
var ErrGroupReleased = errors.New("channel group released")

var groupCounter atomic.Int64

// ChannelGroupToken scopes a set of machine ids to one owner (a test, a
// tenant) so they can be unregistered in one shot. Ids minted through the
// token carry the "#<groupID>#" infix UnregisterGroup scans for.
type ChannelGroupToken struct {
	groupID   int64
	name      string
	createdAt time.Time
	released  atomic.Bool
	orch      *Orchestrator
}

// CreateChannelGroup allocates a token with a fresh monotonic group id.
func (o *Orchestrator) CreateChannelGroup(name string) *ChannelGroupToken {
	return &ChannelGroupToken{
		groupID:   groupCounter.Add(1),
		name:      name,
		createdAt: time.Now(),
		orch:      o,
	}
}

// GroupID returns the token's monotonic id.
func (t *ChannelGroupToken) GroupID() int64 { return t.groupID }

// Name returns the token's label.
func (t *ChannelGroupToken) Name() string { return t.name }

// Released reports whether the token has been released.
func (t *ChannelGroupToken) Released() bool { return t.released.Load() }

// NewMachineID mints a group-scoped machine id: {base}#{groupID}#{uuid}.
func (t *ChannelGroupToken) NewMachineID(base string) (string, error) {
	if t.released.Load() {
		return "", ErrGroupReleased
	}
	return fmt.Sprintf("%s#%d#%s", base, t.groupID, uuid.NewString()), nil
}

// Register mints a group-scoped id for base and registers the handler under
// it, returning the minted id.
func (t *ChannelGroupToken) Register(base string, handler Handler) (string, error) {
	id, err := t.NewMachineID(base)
	if err != nil {
		return "", err
	}
	if err := t.orch.Register(id, handler); err != nil {
		return "", err
	}
	return id, nil
}

// Release unregisters every machine in the group. Idempotent; the first
// call wins and later token use fails with ErrGroupReleased.
func (t *ChannelGroupToken) Release() int {
	if !t.released.CompareAndSwap(false, true) {
		return 0
	}
	return t.orch.UnregisterGroup(t.groupID)
}

// defaultManager is the process-wide lazily-initialized singleton.
var defaultManager struct {
	mu   sync.Mutex
	orch *Orchestrator
}

// Default returns the process-wide orchestrator, creating it on first use
// with the environment-backed config.
func Default() *Orchestrator {
	defaultManager.mu.Lock()
	defer defaultManager.mu.Unlock()
	if defaultManager.orch == nil {
		cfg, err := LoadConfig()
		if err != nil {
			cfg = DefaultConfig()
		}
		defaultManager.orch = New(cfg)
	}
	return defaultManager.orch
}

// ResetDefault discards the singleton so the next Default() builds a fresh
// orchestrator. The old instance is NOT stopped; callers owning machines on
// it should Stop it first. Intended for tests.
func ResetDefault() {
	defaultManager.mu.Lock()
	defer defaultManager.mu.Unlock()
	defaultManager.orch = nil
}
