package swarm

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarmd/internal/domain"
	"swarmd/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *fakeProvider, *store.AgentStore) {
	t.Helper()
	st, err := store.NewAgentStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	provider := newFakeProvider()
	cfg := Config{
		ManagerID:   "manager",
		ManagerName: "Manager",
		Archetypes:  map[string]string{"researcher": "You research things."},
	}
	m, err := NewManager(context.Background(), cfg, st, provider, nil, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close(context.Background()) })
	return m, provider, st
}

func TestBootCreatesManagerDescriptor(t *testing.T) {
	m, provider, st := newTestManager(t)

	snap, err := m.GetAgent("manager")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleManager, snap.Role)
	assert.Equal(t, "manager", snap.ManagerID)
	assert.Equal(t, domain.StatusIdle, snap.Status)
	assert.True(t, snap.Live)
	require.NotNil(t, provider.session("manager"))

	// The descriptor is persisted at boot.
	agents := st.Load()
	require.Len(t, agents, 1)
	assert.Equal(t, "manager", agents[0].ID)
}

func TestRestartParksWorkersWithoutRuntimes(t *testing.T) {
	dir := t.TempDir()
	st, err := store.NewAgentStore(dir, testLogger())
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, st.Save([]domain.AgentDescriptor{
		{ID: "manager", DisplayName: "Manager", Role: domain.RoleManager, ManagerID: "manager", Status: domain.StatusIdle, Cwd: dir, CreatedAt: now, UpdatedAt: now},
		{ID: "scout", DisplayName: "Scout", Role: domain.RoleWorker, ManagerID: "manager", Status: domain.StatusIdle, Cwd: dir, CreatedAt: now, UpdatedAt: now},
		{ID: "done", DisplayName: "Done", Role: domain.RoleWorker, ManagerID: "manager", Status: domain.StatusTerminated, Cwd: dir, CreatedAt: now, UpdatedAt: now},
	}))

	provider := newFakeProvider()
	m, err := NewManager(context.Background(), Config{ManagerID: "manager"}, st, provider, nil, testLogger())
	require.NoError(t, err)
	defer m.Close(context.Background())

	// Exactly one live runtime: the manager.
	require.NotNil(t, provider.session("manager"))
	assert.Nil(t, provider.session("scout"), "workers are not auto-resumed")

	scout, err := m.GetAgent("scout")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, scout.Status)
	assert.False(t, scout.Live)

	done, err := m.GetAgent("done")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTerminated, done.Status, "terminal statuses survive restart untouched")

	// The parked status is persisted.
	for _, a := range st.Load() {
		if a.ID == "scout" {
			assert.Equal(t, domain.StatusStopped, a.Status)
		}
	}
}

func TestSpawnAgentPermissions(t *testing.T) {
	m, _, st := newTestManager(t)

	_, err := m.SpawnAgent(context.Background(), "manager", SpawnInput{Name: "Scout"})
	require.NoError(t, err)

	before := len(st.Load())
	_, err = m.SpawnAgent(context.Background(), "scout", SpawnInput{Name: "Minion"})
	assert.ErrorIs(t, err, domain.ErrPermissionDenied, "workers may not spawn")
	_, err = m.SpawnAgent(context.Background(), "ghost", SpawnInput{Name: "Minion"})
	assert.ErrorIs(t, err, domain.ErrPermissionDenied, "unknown callers may not spawn")
	assert.Equal(t, before, len(st.Load()), "denied spawns must not mutate the registry")
}

func TestSpawnAgentIDCollisions(t *testing.T) {
	m, _, _ := newTestManager(t)

	want := []string{"foo", "foo-2", "foo-3"}
	for _, id := range want {
		desc, err := m.SpawnAgent(context.Background(), "manager", SpawnInput{Name: "Foo"})
		require.NoError(t, err)
		assert.Equal(t, id, desc.ID)
		assert.Equal(t, "Foo", desc.DisplayName)
		assert.Equal(t, domain.RoleWorker, desc.Role)
		assert.Equal(t, "manager", desc.ManagerID)
	}
}

func TestSpawnAgentArchetype(t *testing.T) {
	m, provider, _ := newTestManager(t)

	desc, err := m.SpawnAgent(context.Background(), "manager", SpawnInput{Name: "Digger", ArchetypeID: "researcher"})
	require.NoError(t, err)
	session := provider.session(desc.ID)
	require.NotNil(t, session)
	assert.Equal(t, "You research things.", session.systemPrompt)

	_, err = m.SpawnAgent(context.Background(), "manager", SpawnInput{Name: "Bad", ArchetypeID: "nonexistent"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSpawnAgentCwdValidation(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.SpawnAgent(context.Background(), "manager", SpawnInput{Name: "Escape", Cwd: "/etc"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestSpawnAgentCreatesScaffolding(t *testing.T) {
	m, _, st := newTestManager(t)

	desc, err := m.SpawnAgent(context.Background(), "manager", SpawnInput{Name: "Scout"})
	require.NoError(t, err)
	assert.NotEmpty(t, desc.SessionFile)

	// Memory scaffold exists and is idempotent.
	path, err := st.EnsureMemoryFile(desc.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, path)
}

func TestKillAgent(t *testing.T) {
	m, provider, st := newTestManager(t)

	desc, err := m.SpawnAgent(context.Background(), "manager", SpawnInput{Name: "Scout"})
	require.NoError(t, err)

	require.NoError(t, m.KillAgent(context.Background(), "manager", desc.ID))
	session := provider.session(desc.ID)
	assert.Equal(t, 1, session.aborts)
	assert.Equal(t, 1, session.dispose)

	snap, err := m.GetAgent(desc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTerminated, snap.Status)
	assert.False(t, snap.Live)

	// Persisted too.
	for _, a := range st.Load() {
		if a.ID == desc.ID {
			assert.Equal(t, domain.StatusTerminated, a.Status)
		}
	}

	// Terminated agents are unreachable for messaging.
	_, err = m.SendMessage(context.Background(), "manager", desc.ID, domain.MessageInput{Text: "hi"}, domain.DeliveryAuto)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestKillAgentErrors(t *testing.T) {
	m, _, _ := newTestManager(t)

	desc, err := m.SpawnAgent(context.Background(), "manager", SpawnInput{Name: "Scout"})
	require.NoError(t, err)

	assert.ErrorIs(t, m.KillAgent(context.Background(), "manager", "ghost"), domain.ErrNotFound)
	assert.ErrorIs(t, m.KillAgent(context.Background(), desc.ID, "manager"), domain.ErrPermissionDenied, "workers may not kill")
	assert.ErrorIs(t, m.KillAgent(context.Background(), "manager", "manager"), domain.ErrPermissionDenied, "the configured manager is never a kill target")
}

func TestSendMessageRoutesToRuntime(t *testing.T) {
	m, provider, _ := newTestManager(t)

	desc, err := m.SpawnAgent(context.Background(), "manager", SpawnInput{Name: "Scout"})
	require.NoError(t, err)

	receipt, err := m.SendMessage(context.Background(), "manager", desc.ID, domain.MessageInput{Text: "dig here"}, domain.DeliveryAuto)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryPrompt, receipt.AcceptedMode)
	assert.Equal(t, desc.ID, receipt.TargetAgentID)

	session := provider.session(desc.ID)
	waitFor(t, func() bool { return session.promptCount() == 1 })
}

func TestHandleUserMessageDefaultsToManager(t *testing.T) {
	m, provider, _ := newTestManager(t)

	receipt, err := m.HandleUserMessage(context.Background(), "status?", UserMessageOptions{
		Source: domain.SourceContext{Surface: domain.SurfaceWeb},
	})
	require.NoError(t, err)
	assert.Equal(t, "manager", receipt.TargetAgentID)
	waitFor(t, func() bool { return provider.session("manager").promptCount() == 1 })
}

func TestCreateAndDeleteManagerCascades(t *testing.T) {
	m, provider, _ := newTestManager(t)

	second, err := m.CreateManager(context.Background(), CreateManagerInput{Name: "Side Project"})
	require.NoError(t, err)
	assert.Equal(t, "side-project", second.ID)
	assert.Equal(t, second.ID, second.ManagerID, "managers reference themselves")

	// A worker owned by the second manager.
	worker, err := m.SpawnAgent(context.Background(), second.ID, SpawnInput{Name: "Helper"})
	require.NoError(t, err)

	require.NoError(t, m.DeleteManager(context.Background(), second.ID))

	_, err = m.GetAgent(second.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound, "deleted manager descriptor is removed")
	_, err = m.GetAgent(worker.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound, "cascade removes owned workers")
	assert.Equal(t, 1, provider.session(worker.ID).dispose, "cascade disposes worker sessions")

	// The configured manager is untouchable.
	assert.ErrorIs(t, m.DeleteManager(context.Background(), "manager"), domain.ErrPermissionDenied)
	assert.ErrorIs(t, m.DeleteManager(context.Background(), "ghost"), domain.ErrNotFound)
}

func TestStopAllAgentsParksWorkersOnly(t *testing.T) {
	m, provider, st := newTestManager(t)

	w1, err := m.SpawnAgent(context.Background(), "manager", SpawnInput{Name: "One"})
	require.NoError(t, err)
	w2, err := m.SpawnAgent(context.Background(), "manager", SpawnInput{Name: "Two"})
	require.NoError(t, err)

	require.NoError(t, m.StopAllAgents(context.Background()))

	for _, id := range []string{w1.ID, w2.ID} {
		snap, err := m.GetAgent(id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusStopped, snap.Status)
		assert.False(t, snap.Live)
	}
	manager, err := m.GetAgent("manager")
	require.NoError(t, err)
	assert.True(t, manager.Live, "the manager stays up")
	assert.Equal(t, 1, provider.session(w1.ID).dispose)

	// Parked, not terminated, on disk too: the workers stay resumable.
	for _, a := range st.Load() {
		if a.ID == w1.ID || a.ID == w2.ID {
			assert.Equal(t, domain.StatusStopped, a.Status)
		}
	}
}

func TestSpawnAgentStoreWriteFailure(t *testing.T) {
	m, provider, st := newTestManager(t)

	// Shadow the store's temp file with a directory so Save fails.
	tmp := filepath.Join(st.Dir(), "agents.json.tmp")
	require.NoError(t, os.Mkdir(tmp, 0700))

	done := make(chan error, 1)
	go func() {
		_, err := m.SpawnAgent(context.Background(), "manager", SpawnInput{Name: "Scout"})
		done <- err
	}()
	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrStoreWrite)
	case <-time.After(3 * time.Second):
		t.Fatal("SpawnAgent did not return after a store write failure")
	}

	_, err := m.GetAgent("scout")
	assert.ErrorIs(t, err, domain.ErrNotFound, "a failed spawn must not leave a registered agent")
	assert.Equal(t, 1, provider.session("scout").dispose, "the rolled-back session is disposed")

	// The registry is usable again once the store recovers.
	require.NoError(t, os.Remove(tmp))
	desc, err := m.SpawnAgent(context.Background(), "manager", SpawnInput{Name: "Scout"})
	require.NoError(t, err)
	assert.Equal(t, "scout", desc.ID)
}

func TestKillAgentStoreWriteFailure(t *testing.T) {
	m, _, st := newTestManager(t)

	desc, err := m.SpawnAgent(context.Background(), "manager", SpawnInput{Name: "Scout"})
	require.NoError(t, err)

	tmp := filepath.Join(st.Dir(), "agents.json.tmp")
	require.NoError(t, os.Mkdir(tmp, 0700))
	defer os.Remove(tmp)

	err = m.KillAgent(context.Background(), "manager", desc.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStoreWrite)
}

func TestHandleUserMessageRejectedNotBroadcast(t *testing.T) {
	st, err := store.NewAgentStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	bus := &recordingBus{}
	m, err := NewManager(context.Background(), Config{ManagerID: "manager"}, st, newFakeProvider(), bus, testLogger())
	require.NoError(t, err)
	defer m.Close(context.Background())

	_, err = m.HandleUserMessage(context.Background(), "anyone there?", UserMessageOptions{TargetAgentID: "ghost"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, bus.byType(domain.EventConversationMessage), "rejected messages must not reach delivery bridges")

	_, err = m.HandleUserMessage(context.Background(), "status?", UserMessageOptions{})
	require.NoError(t, err)
	assert.Len(t, bus.byType(domain.EventConversationMessage), 1)
}

func TestListAgentsSorted(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.SpawnAgent(context.Background(), "manager", SpawnInput{Name: "Zebra"})
	require.NoError(t, err)
	_, err = m.SpawnAgent(context.Background(), "manager", SpawnInput{Name: "Aardvark"})
	require.NoError(t, err)

	snaps := m.ListAgents()
	require.Len(t, snaps, 3)
	assert.Equal(t, []string{"aardvark", "manager", "zebra"}, []string{snaps[0].ID, snaps[1].ID, snaps[2].ID})
}

func TestResetManagerSessionArchivesLog(t *testing.T) {
	m, provider, st := newTestManager(t)

	// Write something into the current session log.
	log, err := st.OpenSessionLog("manager")
	require.NoError(t, err)
	require.NoError(t, log.AppendMessage(domain.ConversationMessage{AgentID: "manager", Role: domain.RoleUser, Text: "old context"}))

	firstSession := provider.session("manager")
	require.NoError(t, m.ResetManagerSession(context.Background(), "manager", "context rot"))

	assert.Equal(t, 1, firstSession.dispose, "old session is disposed")
	require.NotNil(t, provider.session("manager"))
	assert.NotSame(t, firstSession, provider.session("manager"), "a fresh session is provisioned")

	history, err := m.ConversationHistory("manager")
	require.NoError(t, err)
	assert.Empty(t, history, "conversation starts fresh")

	rt, ok := m.Runtime("manager")
	require.True(t, ok)
	entries, err := rt.CustomEntries("session_reset")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	assert.ErrorIs(t, m.ResetManagerSession(context.Background(), "ghost", "x"), domain.ErrNotFound)
}

func TestResetManagerSessionRejectsWorkers(t *testing.T) {
	m, _, _ := newTestManager(t)
	desc, err := m.SpawnAgent(context.Background(), "manager", SpawnInput{Name: "Scout"})
	require.NoError(t, err)
	assert.ErrorIs(t, m.ResetManagerSession(context.Background(), desc.ID, "nope"), domain.ErrNotFound)
}

func TestCompactAgentContextForced(t *testing.T) {
	m, provider, _ := newTestManager(t)

	result, err := m.CompactAgentContext(context.Background(), "manager", CompactOptions{Force: true})
	require.NoError(t, err)
	assert.True(t, result.Triggered)
	assert.Equal(t, domain.DeliveryPrompt, result.Mode, "idle agents get a fresh compaction turn")
	waitFor(t, func() bool { return provider.session("manager").promptCount() == 1 })

	rt, ok := m.Runtime("manager")
	require.True(t, ok)
	entries, err := rt.CustomEntries("compaction")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCompactAgentContextBelowThresholdSkips(t *testing.T) {
	m, provider, _ := newTestManager(t)

	result, err := m.CompactAgentContext(context.Background(), "manager", CompactOptions{TokenThreshold: 1000})
	require.NoError(t, err)
	assert.False(t, result.Triggered)
	assert.Equal(t, 0, provider.session("manager").promptCount())

	_, err = m.CompactAgentContext(context.Background(), "ghost", CompactOptions{Force: true})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCompactAgentContextSteersWhenStreaming(t *testing.T) {
	m, provider, _ := newTestManager(t)

	session := provider.session("manager")
	session.autoStart = true
	_, err := m.HandleUserMessage(context.Background(), "long task", UserMessageOptions{})
	require.NoError(t, err)
	rt, _ := m.Runtime("manager")
	waitFor(t, func() bool { return rt.Status() == domain.StatusStreaming })

	result, err := m.CompactAgentContext(context.Background(), "manager", CompactOptions{Force: true})
	require.NoError(t, err)
	assert.True(t, result.Triggered)
	assert.Equal(t, domain.DeliverySteer, result.Mode, "streaming agents are steered, not re-prompted")
	waitFor(t, func() bool { return session.steerCount() == 1 })
}

func TestPublishToUserUnknownAgent(t *testing.T) {
	m, _, _ := newTestManager(t)
	err := m.PublishToUser(context.Background(), "ghost", "hello", domain.SourceContext{Surface: domain.SurfaceWeb})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConfigReturnsCopy(t *testing.T) {
	m, _, _ := newTestManager(t)
	cfg := m.Config()
	cfg.Archetypes["researcher"] = "tampered"
	assert.Equal(t, "You research things.", m.Config().Archetypes["researcher"])
}
