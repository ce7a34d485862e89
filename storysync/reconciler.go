package storysync

import (
	"encoding/json"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

type SyncStatus string

const (
	SyncStatusIdle      SyncStatus = "idle"
	SyncStatusSaving    SyncStatus = "saving"
	SyncStatusSyncing   SyncStatus = "syncing"
	SyncStatusCompleted SyncStatus = "completed"
	SyncStatusFailed    SyncStatus = "failed"
)

type ChangeFunction func()

// Reconciler is the single writer of the authoritative document, the conflict
// list, and the connection-derived counters. It resolves the race between the
// direct response to this client's own save and push notifications broadcast
// to all clients, including echoes of this client's own change.
//
// Every mutation goes through one serialized entry point; no two mutations
// interleave. Values handed out by the getters are replaced, never mutated in
// place, so callers can hold them across mutations.
type Reconciler struct {
	stateLock sync.Mutex

	project      *StoryProject
	conflicts    []*TrackedConflict
	graphVersion uint64

	syncStatus map[string]SyncStatus
	// node id -> outstanding save correlation id
	trackedRequests map[string]Id
	activeNodeId    string

	changeCallbacks *CallbackList[ChangeFunction]
}

func NewReconciler() *Reconciler {
	return &Reconciler{
		conflicts:       []*TrackedConflict{},
		syncStatus:      map[string]SyncStatus{},
		trackedRequests: map[string]Id{},
		changeCallbacks: NewCallbackList[ChangeFunction](),
	}
}

// the one serialized entry point
func (self *Reconciler) apply(mutation func()) {
	self.stateLock.Lock()
	mutation()
	callbacks := self.changeCallbacks.Get()
	self.stateLock.Unlock()

	for _, callback := range callbacks {
		handleCallback(callback)
	}
}

// SubscribeChange fires after every applied mutation so outer surfaces can
// re-render. The returned unsubscribe is safe to call multiple times.
func (self *Reconciler) SubscribeChange(callback ChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(callback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *Reconciler) SetProject(project *StoryProject) {
	self.apply(func() {
		self.project = project
	})
}

func (self *Reconciler) Project() *StoryProject {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.project
}

func (self *Reconciler) Node(nodeId string) *StoryNode {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.project == nil {
		return nil
	}
	return self.project.Node(nodeId)
}

// SetActiveNode records which node is being edited. Changing the selection
// clears the conflict list.
func (self *Reconciler) SetActiveNode(nodeId string) {
	self.apply(func() {
		if self.activeNodeId != nodeId {
			self.conflicts = []*TrackedConflict{}
		}
		self.activeNodeId = nodeId
	})
}

func (self *Reconciler) ActiveNodeId() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.activeNodeId
}

func (self *Reconciler) SyncStatus(nodeId string) SyncStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if status, ok := self.syncStatus[nodeId]; ok {
		return status
	}
	return SyncStatusIdle
}

func (self *Reconciler) GraphVersion() uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.graphVersion
}

func (self *Reconciler) Conflicts() []*TrackedConflict {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.conflicts)
}

func (self *Reconciler) SetSyncStatus(nodeId string, status SyncStatus) {
	self.apply(func() {
		self.syncStatus[nodeId] = status
	})
}

// BeginAttempt marks a save in flight for the node. The correlation id
// replaces any previously tracked id for the node.
func (self *Reconciler) BeginAttempt(nodeId string, requestId Id) {
	self.apply(func() {
		self.trackedRequests[nodeId] = requestId
		self.syncStatus[nodeId] = SyncStatusSaving
	})
}

// ApplySaveResult applies the authoritative response to this client's own
// save. The returned project replaces the document wholesale; reported
// conflicts are appended with fresh display ids.
func (self *Reconciler) ApplySaveResult(nodeId string, requestId Id, result *SyncNodeResult) {
	self.apply(func() {
		if result.Project != nil {
			self.project = result.Project
		}
		self.appendConflicts(result.Conflicts)
		if result.SyncStatus == "completed" {
			self.syncStatus[nodeId] = SyncStatusCompleted
			self.untrack(nodeId, requestId)
		} else {
			// index sync continues in the background; the lifecycle push
			// events carry the same correlation id
			self.syncStatus[nodeId] = SyncStatusSyncing
		}
	})
}

func (self *Reconciler) FailAttempt(nodeId string, requestId Id) {
	self.apply(func() {
		self.syncStatus[nodeId] = SyncStatusFailed
		self.untrack(nodeId, requestId)
	})
}

func (self *Reconciler) untrack(nodeId string, requestId Id) {
	if tracked, ok := self.trackedRequests[nodeId]; ok && tracked == requestId {
		delete(self.trackedRequests, nodeId)
	}
}

// HandleSyncLifecycle applies a sync_started/sync_completed/sync_failed push
// event. The event is accepted only if (a) its correlation id matches the
// tracked outstanding id for some node, or (b) no correlation id is tracked
// for any node and the event's node id equals the node currently being
// edited. Anything else is a stale or foreign-client notification and is
// ignored.
func (self *Reconciler) HandleSyncLifecycle(messageType string, nodeId string, requestId string) {
	self.apply(func() {
		targetNodeId, targetRequestId, ok := self.resolveLifecycleTarget(nodeId, requestId)
		if !ok {
			glog.V(2).Infof("[r]ignore %s node=%s request=%s\n", messageType, nodeId, requestId)
			return
		}

		switch messageType {
		case MessageTypeSyncStarted:
			self.syncStatus[targetNodeId] = SyncStatusSyncing
		case MessageTypeSyncCompleted:
			self.syncStatus[targetNodeId] = SyncStatusCompleted
			self.untrack(targetNodeId, targetRequestId)
		case MessageTypeSyncFailed:
			self.syncStatus[targetNodeId] = SyncStatusFailed
			self.untrack(targetNodeId, targetRequestId)
		}
	})
}

func (self *Reconciler) resolveLifecycleTarget(nodeId string, requestId string) (string, Id, bool) {
	if requestId != "" {
		for trackedNodeId, trackedRequestId := range self.trackedRequests {
			if trackedRequestId.String() == requestId {
				return trackedNodeId, trackedRequestId, true
			}
		}
	}
	// fallback kept as observed: with nothing tracked, attribute the event to
	// the actively edited node
	if len(self.trackedRequests) == 0 && nodeId != "" && nodeId == self.activeNodeId {
		return nodeId, Id{}, true
	}
	return "", Id{}, false
}

// ApplyNodeUpdated replaces the node with matching id wholesale
// (last-writer-wins, no field-level merge). An unknown id is appended.
func (self *Reconciler) ApplyNodeUpdated(node *StoryNode) {
	self.apply(func() {
		if self.project == nil {
			return
		}
		project := *self.project
		nodes := slices.Clone(project.Nodes)
		i := slices.IndexFunc(nodes, func(n *StoryNode) bool {
			return n.Id == node.Id
		})
		if 0 <= i {
			nodes[i] = node
		} else {
			nodes = append(nodes, node)
		}
		project.Nodes = nodes
		self.project = &project
	})
}

func (self *Reconciler) ApplyNodeDeleted(nodeId string) {
	self.apply(func() {
		if self.project == nil {
			return
		}
		project := *self.project
		project.Nodes = slices.DeleteFunc(slices.Clone(project.Nodes), func(n *StoryNode) bool {
			return n.Id == nodeId
		})
		self.project = &project
	})
}

// ApplyConflicts appends each reported conflict with a freshly minted display
// id. Conflicts are never deduplicated by content, only cleared explicitly.
func (self *Reconciler) ApplyConflicts(conflicts []*Conflict) {
	self.apply(func() {
		self.appendConflicts(conflicts)
	})
}

func (self *Reconciler) appendConflicts(conflicts []*Conflict) {
	if len(conflicts) == 0 {
		return
	}
	next := slices.Clone(self.conflicts)
	for _, conflict := range conflicts {
		next = append(next, &TrackedConflict{
			DisplayId: NewId(),
			Conflict:  conflict,
		})
	}
	self.conflicts = next
}

func (self *Reconciler) ClearConflict(displayId Id) {
	self.apply(func() {
		self.conflicts = slices.DeleteFunc(slices.Clone(self.conflicts), func(c *TrackedConflict) bool {
			return c.DisplayId == displayId
		})
	})
}

func (self *Reconciler) ClearConflicts() {
	self.apply(func() {
		self.conflicts = []*TrackedConflict{}
	})
}

// ApplyGraphUpdated bumps the monotonic graph version. The push payload
// carries no diffable contract; graph surfaces observe the counter and
// refetch on their own cadence.
func (self *Reconciler) ApplyGraphUpdated() {
	self.apply(func() {
		self.graphVersion += 1
	})
}

type nodeUpdatedPayload struct {
	Node      *StoryNode `json:"node"`
	UpdatedBy string     `json:"updated_by,omitempty"`
}

type nodeDeletedPayload struct {
	NodeId string `json:"node_id"`
}

type conflictDetectedPayload struct {
	Conflicts []*Conflict `json:"conflicts"`
}

type syncLifecyclePayload struct {
	Status  string `json:"status,omitempty"`
	Details struct {
		NodeId    string `json:"node_id,omitempty"`
		RequestId string `json:"request_id,omitempty"`
		Error     string `json:"error,omitempty"`
	} `json:"details"`
}

// Bind subscribes the reconciler to the push events of a live connection.
// The returned function removes all subscriptions.
func (self *Reconciler) Bind(connectionManager *ConnectionManager) func() {
	unsubs := []func(){}

	handleNode := func(payload json.RawMessage) {
		event := &nodeUpdatedPayload{}
		if err := json.Unmarshal(payload, event); err != nil || event.Node == nil {
			glog.V(2).Infof("[r]drop node event\n")
			return
		}
		self.ApplyNodeUpdated(event.Node)
	}
	unsubs = append(unsubs, connectionManager.Subscribe(MessageTypeNodeUpdated, handleNode))
	unsubs = append(unsubs, connectionManager.Subscribe(MessageTypeNodeCreated, handleNode))

	unsubs = append(unsubs, connectionManager.Subscribe(MessageTypeNodeDeleted, func(payload json.RawMessage) {
		event := &nodeDeletedPayload{}
		if err := json.Unmarshal(payload, event); err != nil || event.NodeId == "" {
			glog.V(2).Infof("[r]drop node_deleted\n")
			return
		}
		self.ApplyNodeDeleted(event.NodeId)
	}))

	unsubs = append(unsubs, connectionManager.Subscribe(MessageTypeGraphUpdated, func(payload json.RawMessage) {
		self.ApplyGraphUpdated()
	}))

	unsubs = append(unsubs, connectionManager.Subscribe(MessageTypeConflictDetected, func(payload json.RawMessage) {
		event := &conflictDetectedPayload{}
		if err := json.Unmarshal(payload, event); err != nil {
			glog.V(2).Infof("[r]drop conflict_detected\n")
			return
		}
		self.ApplyConflicts(event.Conflicts)
	}))

	for _, messageType := range []string{MessageTypeSyncStarted, MessageTypeSyncCompleted, MessageTypeSyncFailed} {
		messageType := messageType
		unsubs = append(unsubs, connectionManager.Subscribe(messageType, func(payload json.RawMessage) {
			event := &syncLifecyclePayload{}
			if err := json.Unmarshal(payload, event); err != nil {
				glog.V(2).Infof("[r]drop %s\n", messageType)
				return
			}
			self.HandleSyncLifecycle(messageType, event.Details.NodeId, event.Details.RequestId)
		}))
	}

	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}
