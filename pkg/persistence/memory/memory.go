// Package memory provides an in-memory persistence implementation. It is
// used by unit tests and local development; claim semantics match the
// PostgreSQL implementation, including lease guards and dedupe keys.
package memory

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brunori/outflow/pkg/models"
	"github.com/brunori/outflow/pkg/persistence"
)

// Persistence implements persistence.Persistence backed by maps and a
// single mutex. All returned models are deep copies so callers cannot
// mutate stored state.
type Persistence struct {
	mu sync.Mutex

	logger *slog.Logger

	items       map[string]*models.OutboxItem
	events      map[string]*models.Event
	automations map[string]*models.Automation
	versions    map[string]*models.WorkflowVersion
	executions  map[string]*models.Execution
	stepRuns    map[string][]*models.StepRun

	// now is swappable in tests to exercise lease expiry without sleeping.
	now func() time.Time
}

// NewPersistence creates an empty in-memory persistence layer.
func NewPersistence(logger *slog.Logger) *Persistence {
	return &Persistence{
		logger:      logger.With("module", "persistence.memory"),
		items:       make(map[string]*models.OutboxItem),
		events:      make(map[string]*models.Event),
		automations: make(map[string]*models.Automation),
		versions:    make(map[string]*models.WorkflowVersion),
		executions:  make(map[string]*models.Execution),
		stepRuns:    make(map[string][]*models.StepRun),
		now:         time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (p *Persistence) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

func (p *Persistence) Outbox() persistence.OutboxStore             { return p }
func (p *Persistence) Events() persistence.EventRepository         { return p }
func (p *Persistence) Workflows() persistence.WorkflowRepository   { return p }
func (p *Persistence) Executions() persistence.ExecutionRepository { return p }

// HealthCheck always succeeds for the in-memory store.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	return nil
}

// Close releases all stored state.
func (p *Persistence) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.items = make(map[string]*models.OutboxItem)
	p.events = make(map[string]*models.Event)
	p.automations = make(map[string]*models.Automation)
	p.versions = make(map[string]*models.WorkflowVersion)
	p.executions = make(map[string]*models.Execution)
	p.stepRuns = make(map[string][]*models.StepRun)

	return nil
}

// --- OutboxStore ---

// Enqueue creates a pending item, or returns the existing non-terminal item
// sharing the same dedupe key.
func (p *Persistence) Enqueue(ctx context.Context, item *models.OutboxItem) (*models.OutboxItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.enqueueLocked(item)
}

func (p *Persistence) enqueueLocked(item *models.OutboxItem) (*models.OutboxItem, error) {
	now := p.now()

	if item.DedupeKey != nil {
		for _, existing := range p.items {
			if existing.DedupeKey != nil && *existing.DedupeKey == *item.DedupeKey && !existing.Status.IsTerminal() {
				return copyItem(existing), nil
			}
		}
	}

	stored := copyItem(item)
	if stored.ID == "" {
		stored.ID = uuid.Must(uuid.NewV7()).String()
	}

	stored.Status = models.OutboxStatusPending
	stored.AttemptCount = 0
	stored.LeaseOwner = nil
	stored.LeaseExpires = nil

	if stored.NextAttemptAt.IsZero() {
		stored.NextAttemptAt = now
	}

	stored.CreatedAt = now
	stored.UpdatedAt = now
	p.items[stored.ID] = stored

	return copyItem(stored), nil
}

// ClaimBatch claims up to limit eligible items for workerID, oldest ready
// first with id as the tiebreak.
func (p *Persistence) ClaimBatch(ctx context.Context, workerID string, limit int, lease time.Duration) ([]*models.OutboxItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()

	eligible := make([]*models.OutboxItem, 0, limit)

	for _, item := range p.items {
		if item.Status.IsClaimable() && !item.NextAttemptAt.After(now) {
			eligible = append(eligible, item)
		}
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].NextAttemptAt.Equal(eligible[j].NextAttemptAt) {
			return eligible[i].ID < eligible[j].ID
		}

		return eligible[i].NextAttemptAt.Before(eligible[j].NextAttemptAt)
	})

	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	expires := now.Add(lease)
	claimed := make([]*models.OutboxItem, 0, len(eligible))

	for _, item := range eligible {
		owner := workerID
		leaseExpires := expires

		item.Status = models.OutboxStatusRunning
		item.LeaseOwner = &owner
		item.LeaseExpires = &leaseExpires
		item.UpdatedAt = now

		claimed = append(claimed, copyItem(item))
	}

	return claimed, nil
}

// MarkSuccess transitions the item to completed when workerID still holds
// the lease.
func (p *Persistence) MarkSuccess(ctx context.Context, id, workerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	item, err := p.leasedItemLocked(id, workerID)
	if err != nil {
		return persistence.NewOutboxError("mark success", id, workerID, err)
	}

	item.Status = models.OutboxStatusCompleted
	item.LeaseOwner = nil
	item.LeaseExpires = nil
	item.LastError = ""
	item.UpdatedAt = p.now()

	return nil
}

// MarkRetry increments the attempt count and schedules the next attempt, or
// fails the item when the budget is exhausted.
func (p *Persistence) MarkRetry(ctx context.Context, id, workerID string, nextAttemptAt time.Time, itemErr string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	item, err := p.leasedItemLocked(id, workerID)
	if err != nil {
		return persistence.NewOutboxError("mark retry", id, workerID, err)
	}

	item.AttemptCount++
	item.LastError = itemErr
	item.LeaseOwner = nil
	item.LeaseExpires = nil
	item.UpdatedAt = p.now()

	if item.AttemptCount >= item.MaxAttempts {
		item.Status = models.OutboxStatusFailed
	} else {
		item.Status = models.OutboxStatusRetry
		item.NextAttemptAt = nextAttemptAt
	}

	return nil
}

// MarkFailed terminally fails the item regardless of the remaining budget.
func (p *Persistence) MarkFailed(ctx context.Context, id, workerID string, itemErr string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	item, err := p.leasedItemLocked(id, workerID)
	if err != nil {
		return persistence.NewOutboxError("mark failed", id, workerID, err)
	}

	item.AttemptCount++
	item.Status = models.OutboxStatusFailed
	item.LastError = itemErr
	item.LeaseOwner = nil
	item.LeaseExpires = nil
	item.UpdatedAt = p.now()

	return nil
}

func (p *Persistence) leasedItemLocked(id, workerID string) (*models.OutboxItem, error) {
	item, ok := p.items[id]
	if !ok {
		return nil, persistence.ErrItemNotFound
	}

	if item.Status != models.OutboxStatusRunning || !item.LeasedBy(workerID, p.now()) {
		return nil, persistence.ErrLeaseLost
	}

	return item, nil
}

// ReapExpired returns running items with leases expired at least
// staleThreshold ago to retry, claimable after retryDelay.
func (p *Persistence) ReapExpired(ctx context.Context, staleThreshold, retryDelay time.Duration, maxBatch int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	cutoff := now.Add(-staleThreshold)

	stale := make([]*models.OutboxItem, 0)

	for _, item := range p.items {
		if item.Status == models.OutboxStatusRunning && item.LeaseExpires != nil && item.LeaseExpires.Before(cutoff) {
			stale = append(stale, item)
		}
	}

	sort.Slice(stale, func(i, j int) bool {
		if stale[i].LeaseExpires.Equal(*stale[j].LeaseExpires) {
			return stale[i].ID < stale[j].ID
		}

		return stale[i].LeaseExpires.Before(*stale[j].LeaseExpires)
	})

	if len(stale) > maxBatch {
		stale = stale[:maxBatch]
	}

	for _, item := range stale {
		item.Status = models.OutboxStatusRetry
		item.LeaseOwner = nil
		item.LeaseExpires = nil
		item.NextAttemptAt = now.Add(retryDelay)
		item.UpdatedAt = now

		p.logger.Debug("Reaped stale outbox item", "item_id", item.ID)
	}

	return len(stale), nil
}

// StaleCount reports how many items ReapExpired would currently reclaim.
func (p *Persistence) StaleCount(ctx context.Context, staleThreshold time.Duration) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := p.now().Add(-staleThreshold)
	count := 0

	for _, item := range p.items {
		if item.Status == models.OutboxStatusRunning && item.LeaseExpires != nil && item.LeaseExpires.Before(cutoff) {
			count++
		}
	}

	return count, nil
}

// ItemByID returns a copy of the item.
func (p *Persistence) ItemByID(ctx context.Context, id string) (*models.OutboxItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	item, ok := p.items[id]
	if !ok {
		return nil, persistence.ErrItemNotFound
	}

	return copyItem(item), nil
}

// --- EventRepository ---

// IngestEvent stores the event and its dispatch item atomically under the
// store mutex.
func (p *Persistence) IngestEvent(ctx context.Context, event *models.Event, item *models.OutboxItem) (*models.OutboxItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored := copyEvent(event)
	if stored.ID == "" {
		stored.ID = uuid.Must(uuid.NewV7()).String()
	}

	if stored.ReceivedAt.IsZero() {
		stored.ReceivedAt = p.now()
	}

	p.events[stored.ID] = stored

	queued := copyItem(item)
	if queued.Payload == nil {
		queued.Payload = make(map[string]any)
	}

	queued.Payload["event_id"] = stored.ID

	return p.enqueueLocked(queued)
}

// EventByID returns a copy of the event.
func (p *Persistence) EventByID(ctx context.Context, id string) (*models.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	event, ok := p.events[id]
	if !ok {
		return nil, persistence.ErrEventNotFound
	}

	return copyEvent(event), nil
}

// --- WorkflowRepository ---

func (p *Persistence) SaveAutomation(ctx context.Context, automation *models.Automation) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored := copyAutomation(automation)

	now := p.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}

	stored.UpdatedAt = now
	p.automations[stored.ID] = stored
	automation.CreatedAt = stored.CreatedAt
	automation.UpdatedAt = stored.UpdatedAt

	return nil
}

func (p *Persistence) AutomationByID(ctx context.Context, id string) (*models.Automation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	automation, ok := p.automations[id]
	if !ok {
		return nil, persistence.ErrAutomationNotFound
	}

	return copyAutomation(automation), nil
}

func (p *Persistence) ActiveAutomationsByEventType(ctx context.Context, eventType string) ([]*models.Automation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	matched := make([]*models.Automation, 0)

	for _, automation := range p.automations {
		if automation.Active && automation.EventType == eventType {
			matched = append(matched, copyAutomation(automation))
		}
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	return matched, nil
}

func (p *Persistence) PublishVersion(ctx context.Context, version *models.WorkflowVersion) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored := copyVersion(version)
	if stored.ID == "" {
		stored.ID = uuid.Must(uuid.NewV7()).String()
	}

	if stored.VersionNum == 0 {
		head := 0

		for _, existing := range p.versions {
			if existing.AutomationID == stored.AutomationID && existing.VersionNum > head {
				head = existing.VersionNum
			}
		}

		stored.VersionNum = head + 1
	}

	if stored.PublishedAt.IsZero() {
		stored.PublishedAt = p.now()
	}

	p.versions[stored.ID] = stored
	version.ID = stored.ID
	version.VersionNum = stored.VersionNum
	version.PublishedAt = stored.PublishedAt

	return nil
}

func (p *Persistence) VersionByID(ctx context.Context, id string) (*models.WorkflowVersion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	version, ok := p.versions[id]
	if !ok {
		return nil, persistence.ErrVersionNotFound
	}

	return copyVersion(version), nil
}

func (p *Persistence) HeadVersion(ctx context.Context, automationID string) (*models.WorkflowVersion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var head *models.WorkflowVersion

	for _, version := range p.versions {
		if version.AutomationID != automationID {
			continue
		}

		if head == nil || version.VersionNum > head.VersionNum {
			head = version
		}
	}

	if head == nil {
		return nil, persistence.ErrVersionNotFound
	}

	return copyVersion(head), nil
}

// --- ExecutionRepository ---

func (p *Persistence) CreateExecution(ctx context.Context, execution *models.Execution) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored := copyExecution(execution)
	if stored.ID == "" {
		stored.ID = uuid.Must(uuid.NewV7()).String()
		execution.ID = stored.ID
	}

	if stored.StartedAt.IsZero() {
		stored.StartedAt = p.now()
		execution.StartedAt = stored.StartedAt
	}

	p.executions[stored.ID] = stored

	return nil
}

func (p *Persistence) SaveExecution(ctx context.Context, execution *models.Execution) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.executions[execution.ID]; !ok {
		return persistence.ErrExecutionNotFound
	}

	p.executions[execution.ID] = copyExecution(execution)

	return nil
}

func (p *Persistence) ExecutionByID(ctx context.Context, id string) (*models.Execution, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	execution, ok := p.executions[id]
	if !ok {
		return nil, persistence.ErrExecutionNotFound
	}

	return copyExecution(execution), nil
}

func (p *Persistence) ExecutionsByEventID(ctx context.Context, eventID string) ([]*models.Execution, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	matched := make([]*models.Execution, 0)

	for _, execution := range p.executions {
		if execution.EventID == eventID {
			matched = append(matched, copyExecution(execution))
		}
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	return matched, nil
}

func (p *Persistence) AppendStepRun(ctx context.Context, stepRun *models.StepRun) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored := copyStepRun(stepRun)
	if stored.ID == "" {
		stored.ID = uuid.Must(uuid.NewV7()).String()
		stepRun.ID = stored.ID
	}

	p.stepRuns[stored.ExecutionID] = append(p.stepRuns[stored.ExecutionID], stored)

	return nil
}

func (p *Persistence) StepRuns(ctx context.Context, executionID string) ([]*models.StepRun, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	runs := p.stepRuns[executionID]
	out := make([]*models.StepRun, 0, len(runs))

	for _, run := range runs {
		out = append(out, copyStepRun(run))
	}

	return out, nil
}

// --- copies ---

// deepCopyMap clones JSON-shaped data all the way down. maps.Clone is not
// enough: nested maps and slices would still alias stored state.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}

	return out
}

func deepCopyValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return deepCopyMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, elem := range typed {
			out[i] = deepCopyValue(elem)
		}

		return out
	default:
		return typed
	}
}

func copyItem(item *models.OutboxItem) *models.OutboxItem {
	clone := *item
	clone.Payload = deepCopyMap(item.Payload)

	if item.DedupeKey != nil {
		key := *item.DedupeKey
		clone.DedupeKey = &key
	}

	if item.LeaseOwner != nil {
		owner := *item.LeaseOwner
		clone.LeaseOwner = &owner
	}

	if item.LeaseExpires != nil {
		expires := *item.LeaseExpires
		clone.LeaseExpires = &expires
	}

	return &clone
}

func copyEvent(event *models.Event) *models.Event {
	clone := *event
	clone.Payload = deepCopyMap(event.Payload)

	return &clone
}

func copyAutomation(automation *models.Automation) *models.Automation {
	clone := *automation
	clone.Rule = deepCopyMap(automation.Rule)

	return &clone
}

func copyVersion(version *models.WorkflowVersion) *models.WorkflowVersion {
	clone := *version
	clone.Graph = copyGraph(version.Graph)

	return &clone
}

func copyGraph(graph models.Graph) models.Graph {
	clone := models.Graph{
		Nodes: make([]*models.Node, 0, len(graph.Nodes)),
		Edges: append([]any(nil), graph.Edges...),
	}

	for _, node := range graph.Nodes {
		nodeClone := *node
		nodeClone.Config = deepCopyMap(node.Config)
		nodeClone.Next = append([]string(nil), node.Next...)

		if node.MaxRetries != nil {
			retries := *node.MaxRetries
			nodeClone.MaxRetries = &retries
		}

		clone.Nodes = append(clone.Nodes, &nodeClone)
	}

	return clone
}

func copyExecution(execution *models.Execution) *models.Execution {
	clone := *execution
	clone.Context = deepCopyMap(execution.Context)

	if execution.FinishedAt != nil {
		finished := *execution.FinishedAt
		clone.FinishedAt = &finished
	}

	return &clone
}

func copyStepRun(stepRun *models.StepRun) *models.StepRun {
	clone := *stepRun
	clone.Input = deepCopyMap(stepRun.Input)
	clone.Output = deepCopyMap(stepRun.Output)

	if stepRun.FinishedAt != nil {
		finished := *stepRun.FinishedAt
		clone.FinishedAt = &finished
	}

	return &clone
}
