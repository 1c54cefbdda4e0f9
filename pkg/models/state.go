package models

import (
	"sort"
	"time"
)

// CommandStatus tracks an operator command from acceptance to completion
type CommandStatus string

const (
	CommandAccepted   CommandStatus = "accepted"   // Recorded, not yet forwarded
	CommandDispatched CommandStatus = "dispatched" // Delivered as a client message
	CommandRunning    CommandStatus = "running"    // Picked up by the shell worker
	CommandSucceeded  CommandStatus = "succeeded"
	CommandFailed     CommandStatus = "failed"
	CommandRejected   CommandStatus = "rejected" // Could not be forwarded
)

// DefaultMessageLogSize bounds the message log when none is configured
const DefaultMessageLogSize = 256

// MessageRecord is one entry in the job's client message log
type MessageRecord struct {
	ID         string        `json:"id"`
	Payload    string        `json:"payload"`
	Status     CommandStatus `json:"status"`
	ReceivedAt time.Time     `json:"received_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
	Output     string        `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// EvaluatorInfo is an active evaluator as seen by the driver
type EvaluatorInfo struct {
	ID          string    `json:"id"`
	Host        string    `json:"host,omitempty"`
	Cores       int       `json:"cores,omitempty"`
	MemoryBytes uint64    `json:"memory_bytes,omitempty"`
	AllocatedAt time.Time `json:"allocated_at"`
}

// JobState is the driver's view of the job. It is owned by the dispatcher:
// handlers receive it while the dispatcher lock is held, everyone else reads
// Snapshots.
type JobState struct {
	DriverID  string
	Phase     Phase
	CreatedAt time.Time
	StartedAt time.Time
	StoppedAt time.Time
	LastError string

	Evaluators       map[string]EvaluatorInfo
	Contexts         map[string]string // context id -> evaluator id
	RunningTasks     map[string]string // task id -> context id
	CompletedTasks   map[string]time.Time
	FailedEvaluators map[string]string // evaluator id -> cause
	FailedContexts   map[string]string // context id -> cause

	Messages      []MessageRecord
	maxMessages   int
	EventsApplied int64
	LastEventKind EventKind
	LastEventAt   time.Time
}

// NewJobState creates a job in the Starting phase
func NewJobState(driverID string, maxMessages int) *JobState {
	if maxMessages <= 0 {
		maxMessages = DefaultMessageLogSize
	}
	return &JobState{
		DriverID:         driverID,
		Phase:            PhaseStarting,
		CreatedAt:        time.Now(),
		Evaluators:       make(map[string]EvaluatorInfo),
		Contexts:         make(map[string]string),
		RunningTasks:     make(map[string]string),
		CompletedTasks:   make(map[string]time.Time),
		FailedEvaluators: make(map[string]string),
		FailedContexts:   make(map[string]string),
		Messages:         make([]MessageRecord, 0),
		maxMessages:      maxMessages,
	}
}

// SetPhase moves the job to a new phase. Setting the current phase again is
// a no-op so handlers stay idempotent.
func (s *JobState) SetPhase(to Phase) error {
	if s.Phase == to {
		return nil
	}
	if err := ValidatePhaseTransition(s.Phase, to); err != nil {
		return err
	}
	s.Phase = to
	switch to {
	case PhaseRunning:
		if s.StartedAt.IsZero() {
			s.StartedAt = time.Now()
		}
	case PhaseStopped, PhaseFailed:
		s.StoppedAt = time.Now()
	}
	return nil
}

// Fail records err and moves the job to Failed
func (s *JobState) Fail(err error) {
	if err != nil {
		s.LastError = err.Error()
	}
	if !IsTerminalPhase(s.Phase) {
		s.Phase = PhaseFailed
		s.StoppedAt = time.Now()
	}
}

// AddEvaluator records an allocated evaluator
func (s *JobState) AddEvaluator(info EvaluatorInfo) {
	if _, ok := s.Evaluators[info.ID]; ok {
		return
	}
	if info.AllocatedAt.IsZero() {
		info.AllocatedAt = time.Now()
	}
	s.Evaluators[info.ID] = info
}

// FailEvaluator drops an evaluator and every context hosted on it
func (s *JobState) FailEvaluator(id, cause string) {
	delete(s.Evaluators, id)
	s.FailedEvaluators[id] = cause
	for ctxID, evalID := range s.Contexts {
		if evalID == id {
			s.removeContext(ctxID)
		}
	}
}

// AddContext records an active context on an evaluator
func (s *JobState) AddContext(contextID, evaluatorID string) {
	s.Contexts[contextID] = evaluatorID
}

// CloseContext drops a context and its running tasks
func (s *JobState) CloseContext(contextID string) {
	s.removeContext(contextID)
}

// FailContext drops a context and remembers why
func (s *JobState) FailContext(contextID, cause string) {
	s.removeContext(contextID)
	s.FailedContexts[contextID] = cause
}

func (s *JobState) removeContext(contextID string) {
	delete(s.Contexts, contextID)
	for taskID, ctxID := range s.RunningTasks {
		if ctxID == contextID {
			delete(s.RunningTasks, taskID)
		}
	}
}

// StartTask records a running task
func (s *JobState) StartTask(taskID, contextID string) {
	if _, done := s.CompletedTasks[taskID]; done {
		return
	}
	s.RunningTasks[taskID] = contextID
}

// CompleteTask moves a task from running to completed
func (s *JobState) CompleteTask(taskID string) {
	delete(s.RunningTasks, taskID)
	if _, done := s.CompletedTasks[taskID]; !done {
		s.CompletedTasks[taskID] = time.Now()
	}
}

// AppendMessage adds a record to the bounded message log
func (s *JobState) AppendMessage(rec MessageRecord) {
	s.Messages = append(s.Messages, rec)
	if over := len(s.Messages) - s.maxMessages; over > 0 {
		s.Messages = append([]MessageRecord(nil), s.Messages[over:]...)
	}
}

// UpdateMessage applies fn to the record with the given id.
// Returns false when the record is unknown or has been evicted.
func (s *JobState) UpdateMessage(id string, fn func(*MessageRecord)) bool {
	for i := range s.Messages {
		if s.Messages[i].ID == id {
			fn(&s.Messages[i])
			s.Messages[i].UpdatedAt = time.Now()
			return true
		}
	}
	return false
}

// Snapshot is an immutable copy of JobState
type Snapshot struct {
	DriverID         string            `json:"driver_id"`
	Phase            Phase             `json:"phase"`
	CreatedAt        time.Time         `json:"created_at"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	StoppedAt        *time.Time        `json:"stopped_at,omitempty"`
	LastError        string            `json:"last_error,omitempty"`
	Evaluators       []EvaluatorInfo   `json:"evaluators"`
	Contexts         []string          `json:"contexts"`
	RunningTasks     []string          `json:"running_tasks"`
	CompletedTasks   []string          `json:"completed_tasks"`
	FailedEvaluators map[string]string `json:"failed_evaluators,omitempty"`
	FailedContexts   map[string]string `json:"failed_contexts,omitempty"`
	Messages         []MessageRecord   `json:"messages"`
	EventsApplied    int64             `json:"events_applied"`
	LastEventKind    EventKind         `json:"last_event_kind,omitempty"`
	LastEventAt      *time.Time        `json:"last_event_at,omitempty"`
}

// Snapshot deep-copies the state. Callers must hold whatever lock guards s.
func (s *JobState) Snapshot() Snapshot {
	snap := Snapshot{
		DriverID:       s.DriverID,
		Phase:          s.Phase,
		CreatedAt:      s.CreatedAt,
		StartedAt:      timePtr(s.StartedAt),
		StoppedAt:      timePtr(s.StoppedAt),
		LastError:      s.LastError,
		Evaluators:     make([]EvaluatorInfo, 0, len(s.Evaluators)),
		Contexts:       sortedKeys(s.Contexts),
		RunningTasks:   sortedKeys(s.RunningTasks),
		CompletedTasks: sortedKeys(s.CompletedTasks),
		Messages:       append([]MessageRecord(nil), s.Messages...),
		EventsApplied:  s.EventsApplied,
		LastEventKind:  s.LastEventKind,
		LastEventAt:    timePtr(s.LastEventAt),
	}
	for _, ev := range s.Evaluators {
		snap.Evaluators = append(snap.Evaluators, ev)
	}
	sort.Slice(snap.Evaluators, func(i, j int) bool {
		return snap.Evaluators[i].ID < snap.Evaluators[j].ID
	})
	if len(s.FailedEvaluators) > 0 {
		snap.FailedEvaluators = copyMap(s.FailedEvaluators)
	}
	if len(s.FailedContexts) > 0 {
		snap.FailedContexts = copyMap(s.FailedContexts)
	}
	if snap.Messages == nil {
		snap.Messages = []MessageRecord{}
	}
	return snap
}

// EvaluatorIDs returns the ids of active evaluators in sorted order
func (s Snapshot) EvaluatorIDs() []string {
	ids := make([]string, 0, len(s.Evaluators))
	for _, ev := range s.Evaluators {
		ids = append(ids, ev.ID)
	}
	return ids
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
