package spawn

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/fleetd/pkg/bus"
	"github.com/agentfleet/fleetd/pkg/identity"
	"github.com/agentfleet/fleetd/pkg/registry"
	"github.com/agentfleet/fleetd/pkg/store"
	"github.com/agentfleet/fleetd/pkg/store/memory"
)

type fakeSpawner struct {
	spawned []string
	fail    bool
}

func (f *fakeSpawner) Spawn(_ context.Context, r *store.SpawnRequest) error {
	if f.fail {
		return errors.New("boom")
	}
	f.spawned = append(f.spawned, r.ID)
	return nil
}

func newController(limits Limits) (*Controller, *fakeSpawner) {
	sp := &fakeSpawner{}
	return NewController(memory.New(), bus.NewEventBus(), sp, limits), sp
}

func TestDepthLimitRejectsAndPersists(t *testing.T) {
	ctx := context.Background()
	c, _ := newController(Limits{MaxDepth: 2})

	r, err := c.Enqueue(ctx, EnqueueRequest{
		RequesterHandle: "lead", TargetAgentType: "coder", DepthLevel: 3,
	})
	require.Error(t, err)
	assert.True(t, store.IsConflict(err))
	require.NotNil(t, r)
	assert.Equal(t, store.SpawnRejected, r.Status)
	assert.Equal(t, store.ReasonDepthLimitExceeded, r.Reason)

	persisted, err := c.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SpawnRejected, persisted.Status)

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Active)
}

func TestHardLimitRejects(t *testing.T) {
	ctx := context.Background()
	c, _ := newController(Limits{SoftLimit: 1, HardLimit: 2})
	c.SetActive(2)

	r, err := c.Enqueue(ctx, EnqueueRequest{RequesterHandle: "lead", TargetAgentType: "coder"})
	require.Error(t, err)
	assert.True(t, store.IsCapacity(err))
	assert.Equal(t, store.ReasonHardLimitReached, r.Reason)
}

func TestDrainApprovesFIFO(t *testing.T) {
	ctx := context.Background()
	c, sp := newController(Limits{SoftLimit: 2, HardLimit: 4})

	r1, err := c.Enqueue(ctx, EnqueueRequest{RequesterHandle: "lead", TargetAgentType: "coder"})
	require.NoError(t, err)
	r2, err := c.Enqueue(ctx, EnqueueRequest{RequesterHandle: "lead", TargetAgentType: "coder"})
	require.NoError(t, err)
	r3, err := c.Enqueue(ctx, EnqueueRequest{RequesterHandle: "lead", TargetAgentType: "coder"})
	require.NoError(t, err)

	require.NoError(t, c.Drain(ctx))

	assert.Equal(t, []string{r1.ID, r2.ID}, sp.spawned)
	st, _ := c.Status(ctx)
	assert.Equal(t, 2, st.Active)
	assert.Equal(t, 1, st.Pending)

	third, _ := c.Get(ctx, r3.ID)
	assert.Equal(t, store.SpawnPending, third.Status)

	// Slack appears when a worker exits; the next drain resumes.
	c.OnWorkerExit("w1", "done")
	require.NoError(t, c.Drain(ctx))
	third, _ = c.Get(ctx, r3.ID)
	assert.Equal(t, store.SpawnSpawned, third.Status)
}

func TestDependencyOrderedApproval(t *testing.T) {
	ctx := context.Background()
	c, sp := newController(Limits{SoftLimit: 10, HardLimit: 20})

	dep, err := c.Enqueue(ctx, EnqueueRequest{RequesterHandle: "lead", TargetAgentType: "coder"})
	require.NoError(t, err)
	child, err := c.Enqueue(ctx, EnqueueRequest{
		RequesterHandle: "lead", TargetAgentType: "coder", DependsOn: []string{dep.ID},
	})
	require.NoError(t, err)

	// Artificially hold the dependency in pending by filling capacity.
	c.SetActive(10)
	require.NoError(t, c.Drain(ctx))
	got, _ := c.Get(ctx, child.ID)
	assert.Equal(t, store.SpawnPending, got.Status, "child must not be approved before dep spawns")

	c.SetActive(0)
	require.NoError(t, c.Drain(ctx))
	got, _ = c.Get(ctx, dep.ID)
	assert.Equal(t, store.SpawnSpawned, got.Status)
	got, _ = c.Get(ctx, child.ID)
	assert.Equal(t, store.SpawnSpawned, got.Status)
	assert.Equal(t, []string{dep.ID, child.ID}, sp.spawned)
}

func TestDeadDependencyBlocksRequest(t *testing.T) {
	ctx := context.Background()
	c, _ := newController(Limits{MaxDepth: 1, SoftLimit: 10, HardLimit: 20})

	dead, err := c.Enqueue(ctx, EnqueueRequest{
		RequesterHandle: "lead", TargetAgentType: "coder", DepthLevel: 2,
	})
	require.Error(t, err)

	child, err := c.Enqueue(ctx, EnqueueRequest{
		RequesterHandle: "lead", TargetAgentType: "coder", DependsOn: []string{dead.ID},
	})
	require.NoError(t, err)

	require.NoError(t, c.Drain(ctx))
	got, _ := c.Get(ctx, child.ID)
	assert.Equal(t, store.SpawnBlocked, got.Status)
}

func TestSpawnFailureReleasesSlot(t *testing.T) {
	ctx := context.Background()
	c, sp := newController(Limits{SoftLimit: 5, HardLimit: 10})
	sp.fail = true

	r, err := c.Enqueue(ctx, EnqueueRequest{RequesterHandle: "lead", TargetAgentType: "coder"})
	require.NoError(t, err)
	require.NoError(t, c.Drain(ctx))

	got, _ := c.Get(ctx, r.ID)
	assert.Equal(t, store.SpawnRejected, got.Status)
	assert.Equal(t, store.ReasonSpawnFailed, got.Reason)
	st, _ := c.Status(ctx)
	assert.Equal(t, 0, st.Active)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	c, _ := newController(Limits{})

	r, err := c.Enqueue(ctx, EnqueueRequest{RequesterHandle: "lead", TargetAgentType: "coder"})
	require.NoError(t, err)
	require.NoError(t, c.Cancel(ctx, r.ID))

	got, _ := c.Get(ctx, r.ID)
	assert.Equal(t, store.SpawnCancelled, got.Status)

	err = c.Cancel(ctx, r.ID)
	assert.True(t, store.IsConflict(err), "cancelling a terminal request should conflict")
}

func TestDirectRegistrationSharesSlotPool(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	b := bus.NewEventBus()
	reg := registry.New(st, b)

	c := NewController(st, b, SpawnerFunc(func(ctx context.Context, r *store.SpawnRequest) error {
		_, err := reg.Register(ctx, registry.RegisterSpec{
			Handle:   identity.Handle("q-" + r.ID[:8]),
			TeamName: "fleet",
		})
		return err
	}), Limits{SoftLimit: 4, HardLimit: 4})
	c.SetActive(reg.ActiveCount())
	reg.OnExit(c.OnWorkerExit)

	_, err := c.Enqueue(ctx, EnqueueRequest{RequesterHandle: "lead", TargetAgentType: "coder"})
	require.NoError(t, err)
	require.NoError(t, c.Drain(ctx))

	// A worker registered outside the queue holds a slot too; the active
	// count and the live roster must stay equal.
	require.NoError(t, c.ReserveSlot())
	_, err = reg.Register(ctx, registry.RegisterSpec{Handle: "direct-1", TeamName: "fleet"})
	require.NoError(t, err)

	qs, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, qs.Active)
	assert.Equal(t, reg.ActiveCount(), qs.Active)

	require.NoError(t, reg.Dismiss(ctx, "direct-1"))
	qs, err = c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, qs.Active)
	assert.Equal(t, reg.ActiveCount(), qs.Active)
}

func TestReserveSlotHonorsHardLimit(t *testing.T) {
	c, _ := newController(Limits{SoftLimit: 1, HardLimit: 1})

	require.NoError(t, c.ReserveSlot())
	err := c.ReserveSlot()
	require.Error(t, err)
	assert.True(t, store.IsCapacity(err))

	c.ReleaseSlot()
	require.NoError(t, c.ReserveSlot())
}
