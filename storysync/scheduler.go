package storysync

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/golang/glog"
)

// editable fields of a node, as produced by the raw-edit input surface
const (
	FieldTitle          = "title"
	FieldContent        = "content"
	FieldNarrativeOrder = "narrative_order"
	FieldTimelineOrder  = "timeline_order"
	FieldLocationTag    = "location_tag"
	FieldCharacters     = "characters"
)

type SchedulerSettings struct {
	// a save fires only after edits stop for this long
	DebounceTimeout     time.Duration
	TitlePlaceholder    string
	LocationPlaceholder string
}

func DefaultSchedulerSettings() *SchedulerSettings {
	return &SchedulerSettings{
		DebounceTimeout:     2000 * time.Millisecond,
		TitlePlaceholder:    "未命名节点",
		LocationPlaceholder: "未分类",
	}
}

// one fired save. Destroyed on completion, failure, or supersession by a
// newer attempt for the same node.
type SyncAttempt struct {
	CorrelationId Id
	NodeId        string
	Seq           uint64

	cancel context.CancelFunc
}

type SaveOutcome struct {
	NodeId        string
	RequestId     Id
	Seq           uint64
	Result        *SyncNodeResult
	Err           error
	NewCharacters []*CharacterProfile
}

type SaveFunction func(outcome *SaveOutcome)

type editBuffer struct {
	fields map[string]string
	// bumped on every edit, so a completed save only clears the buffer when
	// nothing arrived while it was in flight
	rev   uint64
	timer *time.Timer
}

// SaveScheduler turns a stream of local field edits into a minimal, safe set
// of save requests. Rapid edits are coalesced by debounce; each fired save
// gets a fresh correlation id and a strictly increasing per-node sequence
// number, and cancels any in-flight save for the same node. A response is
// applied only if its sequence number is the latest issued for that node.
type SaveScheduler struct {
	ctx    context.Context
	cancel context.CancelFunc

	api        *StoryApi
	reconciler *Reconciler
	projectId  string
	settings   *SchedulerSettings

	validate *validator.Validate

	stateLock       sync.Mutex
	activeNodeId    string
	buffers         map[string]*editBuffer
	latestSeq       map[string]uint64
	inflight        map[string]*SyncAttempt
	validationError string

	saveCallbacks *CallbackList[SaveFunction]
}

func NewSaveSchedulerWithDefaults(ctx context.Context, api *StoryApi, reconciler *Reconciler, projectId string) *SaveScheduler {
	return NewSaveScheduler(ctx, api, reconciler, projectId, DefaultSchedulerSettings())
}

func NewSaveScheduler(ctx context.Context, api *StoryApi, reconciler *Reconciler, projectId string, settings *SchedulerSettings) *SaveScheduler {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &SaveScheduler{
		ctx:           cancelCtx,
		cancel:        cancel,
		api:           api,
		reconciler:    reconciler,
		projectId:     projectId,
		settings:      settings,
		validate:      validator.New(),
		buffers:       map[string]*editBuffer{},
		latestSeq:     map[string]uint64{},
		inflight:      map[string]*SyncAttempt{},
		saveCallbacks: NewCallbackList[SaveFunction](),
	}
}

// EditNode switches the edit session to another node. Any in-flight save for
// the previous node is aborted; its buffered edits are kept.
func (self *SaveScheduler) EditNode(nodeId string) {
	self.stateLock.Lock()
	if self.activeNodeId == nodeId {
		self.stateLock.Unlock()
		return
	}
	previousNodeId := self.activeNodeId
	self.activeNodeId = nodeId
	self.validationError = ""
	if previousNodeId != "" {
		if buffer, ok := self.buffers[previousNodeId]; ok && buffer.timer != nil {
			buffer.timer.Stop()
			buffer.timer = nil
		}
		if attempt, ok := self.inflight[previousNodeId]; ok {
			attempt.cancel()
			delete(self.inflight, previousNodeId)
		}
	}
	self.stateLock.Unlock()

	self.reconciler.SetActiveNode(nodeId)
}

// Edit buffers one field edit for the active node and restarts the debounce
// timer. Ordering invariants are re-validated on every edit; while invalid,
// nothing reaches the network.
func (self *SaveScheduler) Edit(field string, value string) {
	self.stateLock.Lock()
	nodeId := self.activeNodeId
	if nodeId == "" {
		self.stateLock.Unlock()
		return
	}
	buffer := self.bufferLocked(nodeId)
	buffer.fields[field] = value
	buffer.rev += 1

	validationError := self.validateLocked(buffer)
	self.validationError = validationError
	if validationError != "" {
		if buffer.timer != nil {
			buffer.timer.Stop()
			buffer.timer = nil
		}
		self.stateLock.Unlock()
		self.reconciler.SetSyncStatus(nodeId, SyncStatusIdle)
		return
	}

	if buffer.timer != nil {
		buffer.timer.Stop()
	}
	buffer.timer = time.AfterFunc(self.settings.DebounceTimeout, func() {
		self.fire(nodeId)
	})
	self.stateLock.Unlock()
}

// SaveNow bypasses the debounce timer and fires immediately with the current
// buffer. It goes through the same cancellation/correlation path as the
// timer.
func (self *SaveScheduler) SaveNow() {
	self.stateLock.Lock()
	nodeId := self.activeNodeId
	self.stateLock.Unlock()
	if nodeId == "" {
		return
	}
	self.fire(nodeId)
}

func (self *SaveScheduler) ValidationError() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.validationError
}

// SubscribeSaved reports each completed or failed save, with the characters
// newly present in the response relative to before the save. Aborted saves
// are never reported.
func (self *SaveScheduler) SubscribeSaved(callback SaveFunction) func() {
	callbackId := self.saveCallbacks.Add(callback)
	return func() {
		self.saveCallbacks.Remove(callbackId)
	}
}

func (self *SaveScheduler) Close() {
	self.cancel()
	self.stateLock.Lock()
	for _, buffer := range self.buffers {
		if buffer.timer != nil {
			buffer.timer.Stop()
			buffer.timer = nil
		}
	}
	for nodeId, attempt := range self.inflight {
		attempt.cancel()
		delete(self.inflight, nodeId)
	}
	self.stateLock.Unlock()
}

func (self *SaveScheduler) bufferLocked(nodeId string) *editBuffer {
	buffer, ok := self.buffers[nodeId]
	if !ok {
		buffer = &editBuffer{
			fields: map[string]string{},
		}
		self.buffers[nodeId] = buffer
	}
	return buffer
}

func (self *SaveScheduler) validateLocked(buffer *editBuffer) string {
	if raw, ok := buffer.fields[FieldNarrativeOrder]; ok {
		if narrativeOrder, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
			if err := self.validate.Var(narrativeOrder, "gte=1"); err != nil {
				return "narrative_order must be >= 1"
			}
		}
		// unparseable values fall back at payload construction
	}
	if raw, ok := buffer.fields[FieldTimelineOrder]; ok {
		if timelineOrder, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
			if err := self.validate.Var(timelineOrder, "gt=0"); err != nil {
				return "timeline_order must be > 0"
			}
		}
	}
	return ""
}

func (self *SaveScheduler) fire(nodeId string) {
	self.stateLock.Lock()
	buffer, ok := self.buffers[nodeId]
	if !ok || len(buffer.fields) == 0 {
		self.stateLock.Unlock()
		return
	}
	if buffer.timer != nil {
		buffer.timer.Stop()
		buffer.timer = nil
	}

	if validationError := self.validateLocked(buffer); validationError != "" {
		self.validationError = validationError
		self.stateLock.Unlock()
		self.reconciler.SetSyncStatus(nodeId, SyncStatusIdle)
		return
	}

	node := buildSavePayload(self.reconciler.Node(nodeId), nodeId, buffer.fields, self.settings)

	requestId := NewId()
	seq := self.latestSeq[nodeId] + 1
	self.latestSeq[nodeId] = seq
	rev := buffer.rev

	// cancel a superseded attempt before issuing the new one
	if attempt, ok := self.inflight[nodeId]; ok {
		attempt.cancel()
	}
	attemptCtx, attemptCancel := context.WithCancel(self.ctx)
	self.inflight[nodeId] = &SyncAttempt{
		CorrelationId: requestId,
		NodeId:        nodeId,
		Seq:           seq,
		cancel:        attemptCancel,
	}

	priorCharacterIds := map[string]bool{}
	if project := self.reconciler.Project(); project != nil {
		for _, character := range project.Characters {
			priorCharacterIds[character.Id] = true
		}
	}
	self.stateLock.Unlock()

	self.reconciler.BeginAttempt(nodeId, requestId)
	glog.V(2).Infof("[s]save node=%s seq=%d request=%s\n", nodeId, seq, requestId)

	args := &SyncNodeArgs{
		ProjectId: self.projectId,
		Node:      node,
		RequestId: requestId.String(),
	}
	self.api.SyncNodeWithContext(attemptCtx, args, NewApiCallback[*SyncNodeResult](func(result *SyncNodeResult, err error) {
		self.handleResult(nodeId, requestId, seq, rev, priorCharacterIds, result, err)
	}))
}

func (self *SaveScheduler) handleResult(nodeId string, requestId Id, seq uint64, rev uint64, priorCharacterIds map[string]bool, result *SyncNodeResult, err error) {
	self.stateLock.Lock()
	if self.latestSeq[nodeId] != seq {
		// a newer attempt was issued; discard unconditionally
		self.stateLock.Unlock()
		glog.V(2).Infof("[s]drop stale save node=%s seq=%d\n", nodeId, seq)
		return
	}
	if attempt, ok := self.inflight[nodeId]; ok && attempt.Seq == seq {
		delete(self.inflight, nodeId)
	}
	if err != nil {
		self.stateLock.Unlock()
		if errors.Is(err, context.Canceled) {
			// an abort is indistinguishable from a no-op
			return
		}
		glog.Infof("[s]save failed node=%s = %s\n", nodeId, err)
		// the edit buffer is preserved so the next debounce cycle or manual
		// save can retry
		self.reconciler.FailAttempt(nodeId, requestId)
		self.notifySave(&SaveOutcome{
			NodeId:    nodeId,
			RequestId: requestId,
			Seq:       seq,
			Err:       err,
		})
		return
	}

	if buffer, ok := self.buffers[nodeId]; ok && buffer.rev == rev {
		// nothing arrived while the save was in flight
		buffer.fields = map[string]string{}
	}
	self.validationError = ""
	self.stateLock.Unlock()

	self.reconciler.ApplySaveResult(nodeId, requestId, result)

	newCharacters := []*CharacterProfile{}
	if result.Project != nil {
		for _, character := range result.Project.Characters {
			if !priorCharacterIds[character.Id] {
				newCharacters = append(newCharacters, character)
			}
		}
	}
	self.notifySave(&SaveOutcome{
		NodeId:        nodeId,
		RequestId:     requestId,
		Seq:           seq,
		Result:        result,
		NewCharacters: newCharacters,
	})
}

func (self *SaveScheduler) notifySave(outcome *SaveOutcome) {
	for _, callback := range self.saveCallbacks.Get() {
		func() {
			defer func() {
				recover()
			}()
			callback(outcome)
		}()
	}
}

// buildSavePayload merges the buffered edits onto the last known
// authoritative node. Numeric fields that fail to parse fall back to 0
// rather than blocking the save; blank title/tag fields get placeholder
// text.
func buildSavePayload(base *StoryNode, nodeId string, fields map[string]string, settings *SchedulerSettings) *StoryNode {
	var node *StoryNode
	if base != nil {
		node = base.Clone()
	} else {
		node = &StoryNode{
			Id: nodeId,
		}
	}

	for field, value := range fields {
		switch field {
		case FieldTitle:
			node.Title = value
		case FieldContent:
			node.Content = value
		case FieldLocationTag:
			node.LocationTag = value
		case FieldNarrativeOrder:
			if narrativeOrder, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
				node.NarrativeOrder = narrativeOrder
			} else {
				node.NarrativeOrder = 0
			}
		case FieldTimelineOrder:
			if timelineOrder, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
				node.TimelineOrder = timelineOrder
			} else {
				node.TimelineOrder = 0
			}
		case FieldCharacters:
			characterIds := []string{}
			for _, part := range strings.Split(value, ",") {
				if characterId := strings.TrimSpace(part); characterId != "" {
					characterIds = append(characterIds, characterId)
				}
			}
			node.Characters = characterIds
		}
	}

	if strings.TrimSpace(node.Title) == "" {
		node.Title = settings.TitlePlaceholder
	}
	if strings.TrimSpace(node.LocationTag) == "" {
		node.LocationTag = settings.LocationPlaceholder
	}
	return node
}
