package storysync

import (
	"errors"
	"sync"

	"golang.org/x/exp/slices"
)

var ErrRestoreNotConfirmed = errors.New("restore replaces the live document and requires explicit confirmation")

// VersionManager lists, creates, diffs, restores, promotes, and deletes
// immutable snapshots of document state, independent of live editing. Any
// operation failure leaves the prior listing/selection state untouched.
type VersionManager struct {
	api        *StoryApi
	reconciler *Reconciler
	projectId  string

	stateLock sync.Mutex
	// newest first for display
	versions []*SnapshotMetadata
	// snapshot bodies cached by version number; append-only
	bodies          map[int]*Snapshot
	selectedVersion int
	baseVersion     int
	diff            *VersionDiff
}

func NewVersionManager(api *StoryApi, reconciler *Reconciler, projectId string) *VersionManager {
	return &VersionManager{
		api:        api,
		reconciler: reconciler,
		projectId:  projectId,
		versions:   []*SnapshotMetadata{},
		bodies:     map[int]*Snapshot{},
	}
}

// Refresh reloads the version listing. On failure the previous listing is
// kept.
func (self *VersionManager) Refresh() error {
	versions, err := self.api.ListVersionsSync(self.projectId)
	if err != nil {
		return err
	}
	slices.SortFunc(versions, func(a *SnapshotMetadata, b *SnapshotMetadata) int {
		return b.Version - a.Version
	})

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.versions = versions
	return nil
}

func (self *VersionManager) Versions() []*SnapshotMetadata {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.versions)
}

func (self *VersionManager) SelectedVersion() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.selectedVersion
}

func (self *VersionManager) BaseVersion() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.baseVersion
}

func (self *VersionManager) Diff() *VersionDiff {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.diff
}

// Select picks a version for inspection. The base is the nearest strictly
// earlier version in the loaded listing, falling back to the earliest
// available version, or to the version itself if it is the only snapshot.
// Bodies are fetched into the cache as needed and the base→selected diff is
// computed once both are available. On any failure the prior selection is
// untouched.
func (self *VersionManager) Select(version int) error {
	self.stateLock.Lock()
	baseVersion := baseVersionFor(self.versions, version)
	self.stateLock.Unlock()

	selectedBody, err := self.snapshotBody(version)
	if err != nil {
		return err
	}
	baseBody := selectedBody
	if baseVersion != version {
		baseBody, err = self.snapshotBody(baseVersion)
		if err != nil {
			return err
		}
	}
	diff := ComputeDiff(baseBody, selectedBody)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.selectedVersion = version
	self.baseVersion = baseVersion
	self.diff = diff
	return nil
}

// Snapshot returns the cached body for a version, fetching it on first use.
func (self *VersionManager) Snapshot(version int) (*Snapshot, error) {
	return self.snapshotBody(version)
}

func (self *VersionManager) snapshotBody(version int) (*Snapshot, error) {
	self.stateLock.Lock()
	body, ok := self.bodies[version]
	self.stateLock.Unlock()
	if ok {
		return body, nil
	}

	body, err := self.api.GetSnapshotSync(self.projectId, version)
	if err != nil {
		return nil, err
	}

	self.stateLock.Lock()
	self.bodies[version] = body
	self.stateLock.Unlock()
	return body, nil
}

// Create takes a new snapshot. A new snapshot always receives a version
// number strictly greater than all existing ones; existing numbering never
// changes.
func (self *VersionManager) Create(name string, description string, snapshotType string) (*Snapshot, error) {
	snapshot, err := self.api.CreateSnapshotSync(self.projectId, &CreateSnapshotArgs{
		Name:        name,
		Description: description,
		Type:        snapshotType,
	})
	if err != nil {
		return nil, err
	}
	return snapshot, self.Refresh()
}

// Promote marks an auto or manual snapshot as a milestone. Promotion is
// sticky; a milestone stays a milestone through later metadata updates.
func (self *VersionManager) Promote(version int) (*Snapshot, error) {
	snapshot, err := self.api.UpdateSnapshotSync(self.projectId, version, &UpdateSnapshotArgs{
		PromoteToMilestone: true,
	})
	if err != nil {
		return nil, err
	}
	return snapshot, self.Refresh()
}

func (self *VersionManager) Rename(version int, name string, description string) (*Snapshot, error) {
	snapshot, err := self.api.UpdateSnapshotSync(self.projectId, version, &UpdateSnapshotArgs{
		Name:        name,
		Description: description,
	})
	if err != nil {
		return nil, err
	}
	return snapshot, self.Refresh()
}

// Delete removes a snapshot. Milestone snapshots cannot be deleted; the
// server error is surfaced untouched and nothing changes locally.
func (self *VersionManager) Delete(version int) error {
	if _, err := self.api.DeleteSnapshotSync(self.projectId, version); err != nil {
		return err
	}
	return self.Refresh()
}

// Restore replaces the live document state with a snapshot's content. This
// is destructive, so the caller must pass confirm = true.
func (self *VersionManager) Restore(version int, confirm bool) error {
	if !confirm {
		return ErrRestoreNotConfirmed
	}
	project, err := self.api.RestoreSnapshotSync(self.projectId, version)
	if err != nil {
		return err
	}
	self.reconciler.SetProject(project)
	return self.Refresh()
}

func baseVersionFor(versions []*SnapshotMetadata, version int) int {
	base := -1
	earliest := -1
	for _, metadata := range versions {
		if earliest < 0 || metadata.Version < earliest {
			earliest = metadata.Version
		}
		if metadata.Version < version && base < metadata.Version {
			base = metadata.Version
		}
	}
	if 0 <= base {
		return base
	}
	if 0 <= earliest && earliest != version {
		return earliest
	}
	return version
}

// ComputeDiff is a pure function of two snapshot bodies.
// ComputeDiff(a, b).NodesAdded always equals ComputeDiff(b, a).NodesDeleted,
// and ComputeDiff(v, v) is empty on every field.
func ComputeDiff(before *Snapshot, after *Snapshot) *VersionDiff {
	beforeNodes := map[string]*StoryNode{}
	afterNodes := map[string]*StoryNode{}
	for _, node := range snapshotNodes(before) {
		beforeNodes[node.Id] = node
	}
	for _, node := range snapshotNodes(after) {
		afterNodes[node.Id] = node
	}

	nodesAdded := []string{}
	nodesModified := []string{}
	for nodeId, node := range afterNodes {
		beforeNode, ok := beforeNodes[nodeId]
		if !ok {
			nodesAdded = append(nodesAdded, nodeId)
		} else if !beforeNode.Equal(node) {
			nodesModified = append(nodesModified, nodeId)
		}
	}
	nodesDeleted := []string{}
	for nodeId := range beforeNodes {
		if _, ok := afterNodes[nodeId]; !ok {
			nodesDeleted = append(nodesDeleted, nodeId)
		}
	}

	entitiesAdded, entitiesDeleted := idSetDiff(snapshotEntityIds(before), snapshotEntityIds(after))
	relationsAdded, relationsDeleted := idSetDiff(snapshotRelationIds(before), snapshotRelationIds(after))

	beforeWords := CountWords(snapshotNodes(before))
	afterWords := CountWords(snapshotNodes(after))
	wordsAdded := 0
	wordsRemoved := 0
	if beforeWords <= afterWords {
		wordsAdded = afterWords - beforeWords
	} else {
		wordsRemoved = beforeWords - afterWords
	}

	slices.Sort(nodesAdded)
	slices.Sort(nodesModified)
	slices.Sort(nodesDeleted)

	return &VersionDiff{
		NodesAdded:       nodesAdded,
		NodesModified:    nodesModified,
		NodesDeleted:     nodesDeleted,
		EntitiesAdded:    entitiesAdded,
		EntitiesDeleted:  entitiesDeleted,
		RelationsAdded:   relationsAdded,
		RelationsDeleted: relationsDeleted,
		WordsAdded:       wordsAdded,
		WordsRemoved:     wordsRemoved,
	}
}

func snapshotNodes(snapshot *Snapshot) []*StoryNode {
	if snapshot == nil || snapshot.StoryProject == nil {
		return nil
	}
	return snapshot.StoryProject.Nodes
}

func snapshotEntityIds(snapshot *Snapshot) []string {
	if snapshot == nil || snapshot.Graph == nil {
		return nil
	}
	ids := make([]string, 0, len(snapshot.Graph.Entities))
	for _, entity := range snapshot.Graph.Entities {
		ids = append(ids, entity.Id)
	}
	return ids
}

func snapshotRelationIds(snapshot *Snapshot) []string {
	if snapshot == nil || snapshot.Graph == nil {
		return nil
	}
	ids := make([]string, 0, len(snapshot.Graph.Relations))
	for _, relation := range snapshot.Graph.Relations {
		ids = append(ids, relation.Id)
	}
	return ids
}

func idSetDiff(beforeIds []string, afterIds []string) (added []string, deleted []string) {
	before := map[string]bool{}
	for _, id := range beforeIds {
		before[id] = true
	}
	after := map[string]bool{}
	for _, id := range afterIds {
		after[id] = true
	}

	added = []string{}
	for id := range after {
		if !before[id] {
			added = append(added, id)
		}
	}
	deleted = []string{}
	for id := range before {
		if !after[id] {
			deleted = append(deleted, id)
		}
	}
	slices.Sort(added)
	slices.Sort(deleted)
	return
}
