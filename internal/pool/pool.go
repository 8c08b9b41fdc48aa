// Package pool manages the fixed set of concurrent execution slots
// ("agents") and supervises task runs on them. Agents live for the process
// lifetime of the engine, not for any single task.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/corvid-labs/autopilot/internal/events"
	"github.com/corvid-labs/autopilot/internal/task"
)

// ErrReservationCancelled resolves a queued reservation that was cancelled
// before an agent became available.
var ErrReservationCancelled = errors.New("reservation cancelled")

// AgentStatus is an agent slot's availability.
type AgentStatus string

const (
	AgentIdle AgentStatus = "idle"
	AgentBusy AgentStatus = "busy"
)

// Capability limits which tasks an agent may accept.
type Capability struct {
	MaxComplexity int      // 0 means unlimited
	Domains       []string // empty means any domain
}

// Accepts reports whether this capability profile covers the task.
func (c Capability) Accepts(t *task.Task) bool {
	if c.MaxComplexity > 0 && t.EstimatedComplexity > c.MaxComplexity {
		return false
	}
	if len(c.Domains) == 0 {
		return true
	}
	domain := t.Domain()
	if domain == "" {
		return true
	}
	for _, d := range c.Domains {
		if d == domain {
			return true
		}
	}
	return false
}

// Agent is one execution slot.
type Agent struct {
	ID            string
	Status        AgentStatus
	Capability    Capability
	CurrentTaskID string
}

type reservationResult struct {
	agent *Agent
	err   error
}

// Reservation is the promise returned by Reserve. When no agent is free,
// the caller waits on Await; the promise resolves on Release or Cancel,
// never by polling.
type Reservation struct {
	task     *task.Task
	result   chan reservationResult
	pool     *Pool
	resolved bool // guarded by pool.mu
}

// Await blocks until an agent is granted, the reservation is cancelled, or
// ctx expires. Context expiry cancels the queued reservation.
func (r *Reservation) Await(ctx context.Context) (*Agent, error) {
	select {
	case res := <-r.result:
		return res.agent, res.err
	case <-ctx.Done():
		r.Cancel()
		// Cancel may have raced with a grant; drain so the agent is not
		// leaked in the channel buffer.
		select {
		case res := <-r.result:
			if res.agent != nil {
				r.pool.Release(res.agent.ID)
			}
		default:
		}
		return nil, ctx.Err()
	}
}

// Cancel resolves a queued reservation immediately with
// ErrReservationCancelled. Cancelling an already-granted or already-
// resolved reservation is a no-op.
func (r *Reservation) Cancel() {
	r.pool.cancel(r)
}

// Pool owns the agents and the FIFO reservation queue.
type Pool struct {
	mu     sync.Mutex
	agents []*Agent
	queue  []*Reservation
	log    *logrus.Entry
}

// New creates a pool of size identical agents sharing one capability
// profile. Agent IDs are agent-1..agent-N.
func New(size int, capability Capability, log *logrus.Entry) *Pool {
	if size <= 0 {
		size = 1
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	p := &Pool{log: log}
	for i := 1; i <= size; i++ {
		p.agents = append(p.agents, &Agent{
			ID:         fmt.Sprintf("agent-%d", i),
			Status:     AgentIdle,
			Capability: capability,
		})
	}
	return p
}

// NewWithAgents creates a pool of heterogeneous agents. Agents with empty
// IDs are numbered agent-1..agent-N by position.
func NewWithAgents(agents []Agent, log *logrus.Entry) *Pool {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	p := &Pool{log: log}
	for i, a := range agents {
		id := a.ID
		if id == "" {
			id = fmt.Sprintf("agent-%d", i+1)
		}
		p.agents = append(p.agents, &Agent{
			ID:         id,
			Status:     AgentIdle,
			Capability: a.Capability,
		})
	}
	if len(p.agents) == 0 {
		p.agents = append(p.agents, &Agent{ID: "agent-1", Status: AgentIdle})
	}
	return p
}

// Reserve requests an agent for the task. If an idle, capable agent
// exists the reservation resolves immediately; otherwise it is queued FIFO
// and resolves when a matching agent is released.
func (p *Pool) Reserve(t *task.Task) *Reservation {
	r := &Reservation{task: t, result: make(chan reservationResult, 1), pool: p}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkNotAssigned(t.ID); err != nil {
		r.resolved = true
		r.result <- reservationResult{err: err}
		return r
	}

	if agent := p.findIdleLocked(t); agent != nil {
		p.assignLocked(agent, t.ID)
		r.resolved = true
		r.result <- reservationResult{agent: agent}
		return r
	}

	p.queue = append(p.queue, r)
	return r
}

// Release marks the agent idle and immediately tries to satisfy the head
// of the queue. Safe to call more than once for the same agent.
func (p *Pool) Release(agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, a := range p.agents {
		if a.ID == agentID {
			a.Status = AgentIdle
			a.CurrentTaskID = ""
			break
		}
	}
	p.satisfyQueueLocked()
}

// TryReserve resolves immediately or not at all: it returns the granted
// agent, or nil when no idle capable agent exists. The scheduler tick uses
// this since it never suspends.
func (p *Pool) TryReserve(t *task.Task) *Agent {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkNotAssigned(t.ID); err != nil {
		return nil
	}
	agent := p.findIdleLocked(t)
	if agent == nil {
		return nil
	}
	p.assignLocked(agent, t.ID)
	return agent
}

// Size returns the number of agent slots.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.agents)
}

// Available returns the number of idle agents.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, a := range p.agents {
		if a.Status == AgentIdle {
			n++
		}
	}
	return n
}

// Utilization returns busy/total in [0,1].
func (p *Pool) Utilization() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.agents) == 0 {
		return 0
	}
	busy := 0
	for _, a := range p.agents {
		if a.Status == AgentBusy {
			busy++
		}
	}
	return float64(busy) / float64(len(p.agents))
}

// Snapshot returns the current slot assignments for monitors.
func (p *Pool) Snapshot() []events.AgentSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.AgentSnapshot, 0, len(p.agents))
	for _, a := range p.agents {
		out = append(out, events.AgentSnapshot{
			AgentID:       a.ID,
			Busy:          a.Status == AgentBusy,
			CurrentTaskID: a.CurrentTaskID,
		})
	}
	return out
}

func (p *Pool) cancel(r *Reservation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r.resolved {
		return
	}
	for i, queued := range p.queue {
		if queued == r {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			break
		}
	}
	r.resolved = true
	r.result <- reservationResult{err: ErrReservationCancelled}
}

// checkNotAssigned enforces at-most-one assignment: no two agents may hold
// the same current task.
func (p *Pool) checkNotAssigned(taskID string) error {
	for _, a := range p.agents {
		if a.CurrentTaskID == taskID {
			return fmt.Errorf("task %s already assigned to %s", taskID, a.ID)
		}
	}
	return nil
}

func (p *Pool) findIdleLocked(t *task.Task) *Agent {
	for _, a := range p.agents {
		if a.Status == AgentIdle && a.Capability.Accepts(t) {
			return a
		}
	}
	return nil
}

func (p *Pool) assignLocked(a *Agent, taskID string) {
	a.Status = AgentBusy
	a.CurrentTaskID = taskID
}

// satisfyQueueLocked grants idle agents to queued reservations in FIFO
// order, skipping reservations no idle agent can serve.
func (p *Pool) satisfyQueueLocked() {
	remaining := p.queue[:0]
	for _, r := range p.queue {
		if r.resolved {
			continue
		}
		agent := p.findIdleLocked(r.task)
		if agent == nil || p.checkNotAssigned(r.task.ID) != nil {
			remaining = append(remaining, r)
			continue
		}
		p.assignLocked(agent, r.task.ID)
		r.resolved = true
		r.result <- reservationResult{agent: agent}
	}
	p.queue = remaining
}
