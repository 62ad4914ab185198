// Package identity answers "which execution context and isolation boundary
// am I". Lookups are bounded by a timeout and fall back to a default instead
// of blocking startup.
package identity

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

const DefaultTimeout = 2 * time.Second

var ErrUnresolved = errors.New("identity not resolved")

type Identity struct {
	ContextID  string `json:"contextId" yaml:"context_id"`
	InstanceID string `json:"instanceId" yaml:"instance_id"`
	BoundaryID string `json:"boundaryId" yaml:"boundary_id"`
}

func (i Identity) Complete() bool {
	return i.ContextID != "" && i.InstanceID != "" && i.BoundaryID != ""
}

// withDefaults fills blanks from fallback; the instance id is minted when
// neither side has one, so every process run is distinguishable.
func (i Identity) withDefaults(fallback Identity) Identity {
	if i.ContextID == "" {
		i.ContextID = fallback.ContextID
	}
	if i.BoundaryID == "" {
		i.BoundaryID = fallback.BoundaryID
	}
	if i.InstanceID == "" {
		i.InstanceID = fallback.InstanceID
	}
	if i.InstanceID == "" {
		i.InstanceID = NewInstanceID()
	}
	return i
}

type Resolver interface {
	Resolve(ctx context.Context) (Identity, error)
}

type ResolverFunc func(ctx context.Context) (Identity, error)

func (f ResolverFunc) Resolve(ctx context.Context) (Identity, error) {
	return f(ctx)
}

func NewInstanceID() string {
	return "inst-" + uuid.Must(uuid.NewV7()).String()
}

// Fallback is the identity used when no resolver answers: a fresh context
// in the default boundary.
func Fallback() Identity {
	return Identity{
		ContextID:  "ctx-" + uuid.Must(uuid.NewV7()).String(),
		InstanceID: NewInstanceID(),
		BoundaryID: "default",
	}
}

// Resolve asks resolver within timeout. On error or timeout it returns
// fallback and false; missing fields of a successful answer are taken from
// fallback.
func Resolve(ctx context.Context, resolver Resolver, timeout time.Duration, fallback Identity) (Identity, bool) {
	if resolver == nil {
		return fallback.withDefaults(Identity{}), false
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type answer struct {
		id  Identity
		err error
	}
	done := make(chan answer, 1)
	go func() {
		id, err := resolver.Resolve(ctx)
		done <- answer{id: id, err: err}
	}()
	select {
	case <-ctx.Done():
		return fallback.withDefaults(Identity{}), false
	case got := <-done:
		if got.err != nil || got.id.ContextID == "" {
			return fallback.withDefaults(Identity{}), false
		}
		return got.id.withDefaults(fallback), true
	}
}

type Static Identity

func (s Static) Resolve(context.Context) (Identity, error) {
	id := Identity(s)
	if id.ContextID == "" {
		return Identity{}, ErrUnresolved
	}
	return id, nil
}

// EnvResolver reads TABSYNC_CONTEXT_ID, TABSYNC_INSTANCE_ID and
// TABSYNC_BOUNDARY_ID.
type EnvResolver struct {
	Lookup func(string) (string, bool)
}

func (r EnvResolver) Resolve(context.Context) (Identity, error) {
	lookup := r.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(name string) string {
		value, _ := lookup(name)
		return strings.TrimSpace(value)
	}
	id := Identity{
		ContextID:  get("TABSYNC_CONTEXT_ID"),
		InstanceID: get("TABSYNC_INSTANCE_ID"),
		BoundaryID: get("TABSYNC_BOUNDARY_ID"),
	}
	if id.ContextID == "" {
		return Identity{}, ErrUnresolved
	}
	return id, nil
}
