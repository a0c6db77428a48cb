package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/canonical/testflinger/internal/server/db"
	"github.com/canonical/testflinger/internal/types"
)

// agentLogRing and provisionLogRing bound the per-agent history the server
// keeps: the most recent entries win, older ones are dropped on insert.
const (
	agentLogRing     = 100
	provisionLogRing = 100
)

// gormAgentRepository is the GORM implementation of AgentRepository.
type gormAgentRepository struct {
	db *gorm.DB
}

// NewAgentRepository returns an AgentRepository backed by the provided
// *gorm.DB.
func NewAgentRepository(db *gorm.DB) AgentRepository {
	return &gormAgentRepository{db: db}
}

// Patch applies an agent-data update, creating the agent record on first
// contact. See the interface doc for field semantics.
func (r *gormAgentRepository) Patch(ctx context.Context, name string, patch types.AgentData) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var agent db.Agent
		err := tx.First(&agent, "name = ?", name).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			agent = db.Agent{
				Name:     name,
				State:    string(types.AgentStateUnknown),
				Log:      "[]",
				Identity: "{}",
			}
		case err != nil:
			return fmt.Errorf("agents: patch read: %w", err)
		}

		if patch.State != "" {
			agent.State = string(patch.State)
		}
		if patch.Location != "" {
			agent.Location = patch.Location
		}
		if patch.JobID != nil {
			agent.JobID = *patch.JobID
		}
		if patch.Comment != nil {
			agent.Comment = *patch.Comment
		}
		if patch.Identity != nil {
			raw, err := json.Marshal(patch.Identity)
			if err != nil {
				return fmt.Errorf("agents: patch identity encode: %w", err)
			}
			agent.Identity = string(raw)
		}
		if len(patch.Log) > 0 {
			var ring []string
			if agent.Log != "" {
				if err := json.Unmarshal([]byte(agent.Log), &ring); err != nil {
					ring = nil
				}
			}
			ring = append(ring, patch.Log...)
			if len(ring) > agentLogRing {
				ring = ring[len(ring)-agentLogRing:]
			}
			raw, err := json.Marshal(ring)
			if err != nil {
				return fmt.Errorf("agents: patch log encode: %w", err)
			}
			agent.Log = string(raw)
		}

		if err := tx.Save(&agent).Error; err != nil {
			return fmt.Errorf("agents: patch write: %w", err)
		}

		// A present queue list replaces the agent's subscriptions wholesale.
		if patch.Queues != nil {
			if err := tx.Where("agent_name = ?", name).Delete(&db.AgentQueue{}).Error; err != nil {
				return fmt.Errorf("agents: patch queues clear: %w", err)
			}
			for _, queue := range patch.Queues {
				if queue == "" {
					continue
				}
				if err := tx.Create(&db.AgentQueue{AgentName: name, Queue: queue}).Error; err != nil {
					return fmt.Errorf("agents: patch queues write: %w", err)
				}
			}
		}
		return nil
	})
}

// Get returns the agent record and its queue subscriptions.
func (r *gormAgentRepository) Get(ctx context.Context, name string) (*db.Agent, []string, error) {
	var agent db.Agent
	err := r.db.WithContext(ctx).First(&agent, "name = ?", name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("agents: get: %w", err)
	}

	queues, err := r.queuesFor(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	return &agent, queues, nil
}

// List returns all known agents ordered by name.
func (r *gormAgentRepository) List(ctx context.Context) ([]db.Agent, error) {
	var agents []db.Agent
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("agents: list: %w", err)
	}
	return agents, nil
}

// ForQueue returns the agents subscribed to the given queue.
func (r *gormAgentRepository) ForQueue(ctx context.Context, queue string) ([]db.Agent, error) {
	var agents []db.Agent
	err := r.db.WithContext(ctx).
		Where("name IN (SELECT agent_name FROM agent_queues WHERE queue = ?)", queue).
		Order("name ASC").
		Find(&agents).Error
	if err != nil {
		return nil, fmt.Errorf("agents: for queue: %w", err)
	}
	return agents, nil
}

// AppendProvisionLog records one provision outcome, trims the agent's history
// ring, and maintains the consecutive pass/fail streak on the agent record.
func (r *gormAgentRepository) AppendProvisionLog(ctx context.Context, name string, entry types.ProvisionLogEntry) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var agent db.Agent
		err := tx.First(&agent, "name = ?", name).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("agents: provision log read: %w", err)
		}

		ts := entry.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		row := db.ProvisionLog{
			ID:        uuid.NewString(),
			AgentName: name,
			JobID:     entry.JobID,
			ExitCode:  entry.ExitCode,
			Detail:    entry.Detail,
			Timestamp: ts,
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("agents: provision log write: %w", err)
		}

		// Trim the ring to the newest entries.
		var keep []string
		if err := tx.Model(&db.ProvisionLog{}).
			Where("agent_name = ?", name).
			Order("timestamp DESC").
			Limit(provisionLogRing).
			Pluck("id", &keep).Error; err != nil {
			return fmt.Errorf("agents: provision log trim scan: %w", err)
		}
		if err := tx.Where("agent_name = ? AND id NOT IN ?", name, keep).
			Delete(&db.ProvisionLog{}).Error; err != nil {
			return fmt.Errorf("agents: provision log trim: %w", err)
		}

		streak := "pass"
		if entry.ExitCode != 0 {
			streak = "fail"
		}
		if agent.ProvisionStreakType == streak {
			agent.ProvisionStreakCount++
		} else {
			agent.ProvisionStreakType = streak
			agent.ProvisionStreakCount = 1
		}
		if err := tx.Model(&db.Agent{}).Where("name = ?", name).
			Updates(map[string]interface{}{
				"provision_streak_type":  agent.ProvisionStreakType,
				"provision_streak_count": agent.ProvisionStreakCount,
			}).Error; err != nil {
			return fmt.Errorf("agents: provision streak: %w", err)
		}
		return nil
	})
}

// ProvisionLogs returns the agent's history ring, newest first.
func (r *gormAgentRepository) ProvisionLogs(ctx context.Context, name string) ([]db.ProvisionLog, error) {
	var rows []db.ProvisionLog
	err := r.db.WithContext(ctx).
		Where("agent_name = ?", name).
		Order("timestamp DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("agents: provision logs: %w", err)
	}
	return rows, nil
}

func (r *gormAgentRepository) queuesFor(ctx context.Context, name string) ([]string, error) {
	var queues []string
	err := r.db.WithContext(ctx).
		Model(&db.AgentQueue{}).
		Where("agent_name = ?", name).
		Order("queue ASC").
		Pluck("queue", &queues).Error
	if err != nil {
		return nil, fmt.Errorf("agents: queues: %w", err)
	}
	return queues, nil
}
