package repositories

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canonical/testflinger/internal/types"
)

func strptr(s string) *string { return &s }

func TestAgentPatchCreatesAndUpdates(t *testing.T) {
	repo := NewAgentRepository(newTestDB(t))

	require.NoError(t, repo.Patch(ctxb(), "agent-1", types.AgentData{
		State:    types.AgentStateWaiting,
		Queues:   []string{"q1", "q2"},
		Location: "lab-1",
		Identity: &types.AgentIdentity{Hostname: "dut-1", OS: "linux"},
	}))

	agent, queues, err := repo.Get(ctxb(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "waiting", agent.State)
	assert.Equal(t, "lab-1", agent.Location)
	assert.Equal(t, []string{"q1", "q2"}, queues)

	var identity types.AgentIdentity
	require.NoError(t, json.Unmarshal([]byte(agent.Identity), &identity))
	assert.Equal(t, "dut-1", identity.Hostname)

	// Partial patch leaves other fields alone; queue list is replaced.
	require.NoError(t, repo.Patch(ctxb(), "agent-1", types.AgentData{
		State:  types.AgentState("provision"),
		JobID:  strptr("00000000-0000-0000-0000-000000000001"),
		Queues: []string{"q3"},
	}))

	agent, queues, err = repo.Get(ctxb(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "provision", agent.State)
	assert.Equal(t, "lab-1", agent.Location)
	assert.Equal(t, "00000000-0000-0000-0000-000000000001", agent.JobID)
	assert.Equal(t, []string{"q3"}, queues)

	// Explicit empty job id clears the assignment.
	require.NoError(t, repo.Patch(ctxb(), "agent-1", types.AgentData{JobID: strptr("")}))
	agent, _, err = repo.Get(ctxb(), "agent-1")
	require.NoError(t, err)
	assert.Empty(t, agent.JobID)

	_, _, err = repo.Get(ctxb(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAgentCommentSetAndClear(t *testing.T) {
	repo := NewAgentRepository(newTestDB(t))

	require.NoError(t, repo.Patch(ctxb(), "agent-1", types.AgentData{
		State:   types.AgentStateOffline,
		Comment: strptr("device recovery failed"),
	}))
	agent, _, err := repo.Get(ctxb(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "device recovery failed", agent.Comment)

	require.NoError(t, repo.Patch(ctxb(), "agent-1", types.AgentData{
		State:   types.AgentStateWaiting,
		Comment: strptr(""),
	}))
	agent, _, err = repo.Get(ctxb(), "agent-1")
	require.NoError(t, err)
	assert.Empty(t, agent.Comment)
}

func TestAgentLogRing(t *testing.T) {
	repo := NewAgentRepository(newTestDB(t))

	for i := 0; i < 12; i++ {
		lines := make([]string, 10)
		for j := range lines {
			lines[j] = fmt.Sprintf("line %d", i*10+j)
		}
		require.NoError(t, repo.Patch(ctxb(), "agent-1", types.AgentData{Log: lines}))
	}

	agent, _, err := repo.Get(ctxb(), "agent-1")
	require.NoError(t, err)

	var ring []string
	require.NoError(t, json.Unmarshal([]byte(agent.Log), &ring))
	require.Len(t, ring, 100)
	assert.Equal(t, "line 20", ring[0])
	assert.Equal(t, "line 119", ring[99])
}

func TestAgentForQueue(t *testing.T) {
	repo := NewAgentRepository(newTestDB(t))

	require.NoError(t, repo.Patch(ctxb(), "agent-1", types.AgentData{Queues: []string{"q1"}}))
	require.NoError(t, repo.Patch(ctxb(), "agent-2", types.AgentData{Queues: []string{"q1", "q2"}}))
	require.NoError(t, repo.Patch(ctxb(), "agent-3", types.AgentData{Queues: []string{"q2"}}))

	agents, err := repo.ForQueue(ctxb(), "q1")
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "agent-1", agents[0].Name)
	assert.Equal(t, "agent-2", agents[1].Name)

	agents, err = repo.ForQueue(ctxb(), "empty")
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestAgentProvisionLogStreak(t *testing.T) {
	repo := NewAgentRepository(newTestDB(t))
	require.NoError(t, repo.Patch(ctxb(), "agent-1", types.AgentData{State: types.AgentStateWaiting}))

	entries := []struct {
		exit   int
		sType  string
		sCount int
	}{
		{0, "pass", 1},
		{0, "pass", 2},
		{1, "fail", 1},
		{46, "fail", 2},
		{0, "pass", 1},
	}
	for i, e := range entries {
		require.NoError(t, repo.AppendProvisionLog(ctxb(), "agent-1", types.ProvisionLogEntry{
			JobID:     fmt.Sprintf("00000000-0000-0000-0000-0000000000%02d", i),
			ExitCode:  e.exit,
			Timestamp: time.Now().UTC().Add(time.Duration(i) * time.Second),
		}))
		agent, _, err := repo.Get(ctxb(), "agent-1")
		require.NoError(t, err)
		assert.Equal(t, e.sType, agent.ProvisionStreakType)
		assert.Equal(t, e.sCount, agent.ProvisionStreakCount)
	}

	logs, err := repo.ProvisionLogs(ctxb(), "agent-1")
	require.NoError(t, err)
	assert.Len(t, logs, len(entries))

	err = repo.AppendProvisionLog(ctxb(), "missing", types.ProvisionLogEntry{ExitCode: 0})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAgentProvisionLogRingTrim(t *testing.T) {
	repo := NewAgentRepository(newTestDB(t))
	require.NoError(t, repo.Patch(ctxb(), "agent-1", types.AgentData{State: types.AgentStateWaiting}))

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < provisionLogRing+10; i++ {
		require.NoError(t, repo.AppendProvisionLog(ctxb(), "agent-1", types.ProvisionLogEntry{
			ExitCode:  0,
			Detail:    fmt.Sprintf("run %d", i),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	logs, err := repo.ProvisionLogs(ctxb(), "agent-1")
	require.NoError(t, err)
	require.Len(t, logs, provisionLogRing)
	assert.Equal(t, fmt.Sprintf("run %d", provisionLogRing+9), logs[0].Detail)
	assert.Equal(t, "run 10", logs[len(logs)-1].Detail)
}
