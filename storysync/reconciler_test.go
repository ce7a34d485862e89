package storysync

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func testProject() *StoryProject {
	return &StoryProject{
		Id: "p-1",
		Nodes: []*StoryNode{
			{
				Id:             "n-1",
				Title:          "开端",
				Content:        "第一章",
				NarrativeOrder: 1,
			},
			{
				Id:             "n-2",
				Title:          "转折",
				Content:        "第二章",
				NarrativeOrder: 2,
			},
		},
	}
}

func TestReconcilerSaveResult(t *testing.T) {
	reconciler := NewReconciler()
	reconciler.SetProject(testProject())

	requestId := NewId()
	reconciler.BeginAttempt("n-1", requestId)
	assert.Equal(t, SyncStatusSaving, reconciler.SyncStatus("n-1"))
	assert.Equal(t, SyncStatusIdle, reconciler.SyncStatus("n-2"))

	updated := testProject()
	updated.Node("n-1").Content = "第一章（修订）"
	reconciler.ApplySaveResult("n-1", requestId, &SyncNodeResult{
		Project:    updated,
		SyncStatus: "completed",
	})
	assert.Equal(t, SyncStatusCompleted, reconciler.SyncStatus("n-1"))
	// the response replaces the document wholesale
	assert.Equal(t, "第一章（修订）", reconciler.Node("n-1").Content)
}

func TestReconcilerSyncLifecycleCorrelation(t *testing.T) {
	reconciler := NewReconciler()
	reconciler.SetProject(testProject())
	reconciler.SetActiveNode("n-1")

	requestId := NewId()
	reconciler.BeginAttempt("n-1", requestId)

	// a lifecycle event with a foreign correlation id is ignored while a
	// request is tracked, even for the active node
	reconciler.HandleSyncLifecycle(MessageTypeSyncCompleted, "n-1", NewId().String())
	assert.Equal(t, SyncStatusSaving, reconciler.SyncStatus("n-1"))

	// the matching correlation id is accepted and untracks the request
	reconciler.HandleSyncLifecycle(MessageTypeSyncStarted, "", requestId.String())
	assert.Equal(t, SyncStatusSyncing, reconciler.SyncStatus("n-1"))
	reconciler.HandleSyncLifecycle(MessageTypeSyncCompleted, "", requestId.String())
	assert.Equal(t, SyncStatusCompleted, reconciler.SyncStatus("n-1"))

	// with nothing tracked, an uncorrelated event is attributed to the
	// actively edited node only
	reconciler.HandleSyncLifecycle(MessageTypeSyncFailed, "n-2", "")
	assert.Equal(t, SyncStatusCompleted, reconciler.SyncStatus("n-2"))
	reconciler.HandleSyncLifecycle(MessageTypeSyncFailed, "n-1", "")
	assert.Equal(t, SyncStatusFailed, reconciler.SyncStatus("n-1"))
}

func TestReconcilerFailAttempt(t *testing.T) {
	reconciler := NewReconciler()
	reconciler.SetProject(testProject())

	requestId := NewId()
	reconciler.BeginAttempt("n-1", requestId)

	// a superseding attempt replaces the tracked id; the failure of the old
	// attempt must not untrack the new one
	nextRequestId := NewId()
	reconciler.BeginAttempt("n-1", nextRequestId)
	reconciler.FailAttempt("n-1", requestId)
	assert.Equal(t, SyncStatusFailed, reconciler.SyncStatus("n-1"))

	reconciler.HandleSyncLifecycle(MessageTypeSyncCompleted, "", nextRequestId.String())
	assert.Equal(t, SyncStatusCompleted, reconciler.SyncStatus("n-1"))
}

func TestReconcilerNodeEvents(t *testing.T) {
	reconciler := NewReconciler()
	reconciler.SetProject(testProject())

	changeCount := 0
	unsub := reconciler.SubscribeChange(func() {
		changeCount += 1
	})
	defer unsub()

	// last-writer-wins replace, no field-level merge
	reconciler.ApplyNodeUpdated(&StoryNode{
		Id:      "n-1",
		Content: "推送的内容",
	})
	node := reconciler.Node("n-1")
	assert.Equal(t, "推送的内容", node.Content)
	assert.Equal(t, "", node.Title)

	// unknown id is appended
	reconciler.ApplyNodeUpdated(&StoryNode{
		Id:    "n-3",
		Title: "尾声",
	})
	assert.Equal(t, 3, len(reconciler.Project().Nodes))

	reconciler.ApplyNodeDeleted("n-2")
	assert.Equal(t, (*StoryNode)(nil), reconciler.Node("n-2"))
	assert.Equal(t, 2, len(reconciler.Project().Nodes))

	// deleting an unknown id is a no-op
	reconciler.ApplyNodeDeleted("n-2")
	assert.Equal(t, 2, len(reconciler.Project().Nodes))

	assert.Equal(t, 4, changeCount)
}

func TestReconcilerConflicts(t *testing.T) {
	reconciler := NewReconciler()
	reconciler.SetActiveNode("n-1")

	conflict := &Conflict{
		Type:        "timeline_contradiction",
		Severity:    ConflictSeverityWarning,
		Description: "时间线冲突",
		NodeIds:     []string{"n-1", "n-2"},
	}
	reconciler.ApplyConflicts([]*Conflict{conflict})
	reconciler.ApplyConflicts([]*Conflict{conflict})

	// identical reports accumulate, each under its own display id
	conflicts := reconciler.Conflicts()
	assert.Equal(t, 2, len(conflicts))
	assert.NotEqual(t, conflicts[0].DisplayId, conflicts[1].DisplayId)

	reconciler.ClearConflict(conflicts[0].DisplayId)
	assert.Equal(t, 1, len(reconciler.Conflicts()))
	// clearing an already-cleared id is a no-op
	reconciler.ClearConflict(conflicts[0].DisplayId)
	assert.Equal(t, 1, len(reconciler.Conflicts()))

	// switching the edited node resets the list
	reconciler.SetActiveNode("n-2")
	assert.Equal(t, 0, len(reconciler.Conflicts()))

	reconciler.ApplyConflicts([]*Conflict{conflict})
	reconciler.ClearConflicts()
	assert.Equal(t, 0, len(reconciler.Conflicts()))
}

func TestReconcilerGraphVersion(t *testing.T) {
	reconciler := NewReconciler()
	assert.Equal(t, uint64(0), reconciler.GraphVersion())
	reconciler.ApplyGraphUpdated()
	reconciler.ApplyGraphUpdated()
	assert.Equal(t, uint64(2), reconciler.GraphVersion())
}
