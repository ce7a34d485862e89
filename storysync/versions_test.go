package storysync

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testSnapshot(version int, nodes []*StoryNode, entityIds []string) *Snapshot {
	entities := []*Entity{}
	for _, entityId := range entityIds {
		entities = append(entities, &Entity{
			Id:   entityId,
			Name: entityId,
			Type: "character",
		})
	}
	return &Snapshot{
		Version:      version,
		SnapshotType: SnapshotTypeAuto,
		StoryProject: &StoryProject{
			Id:    "p-1",
			Nodes: nodes,
		},
		Graph: &KnowledgeGraph{
			Entities: entities,
		},
		NodeCount:   len(nodes),
		EntityCount: len(entities),
		CreatedAt:   time.Now(),
	}
}

func TestComputeDiff(t *testing.T) {
	before := testSnapshot(1, []*StoryNode{
		{Id: "n-1", Title: "开端", Content: "第一章"},
		{Id: "n-2", Title: "转折", Content: "第二章"},
	}, []string{"e-1", "e-2"})
	after := testSnapshot(2, []*StoryNode{
		{Id: "n-2", Title: "转折", Content: "第二章，加长了一些"},
		{Id: "n-3", Title: "尾声", Content: "终章"},
	}, []string{"e-2", "e-3"})

	diff := ComputeDiff(before, after)
	assert.Equal(t, []string{"n-3"}, diff.NodesAdded)
	assert.Equal(t, []string{"n-2"}, diff.NodesModified)
	assert.Equal(t, []string{"n-1"}, diff.NodesDeleted)
	assert.Equal(t, []string{"e-3"}, diff.EntitiesAdded)
	assert.Equal(t, []string{"e-1"}, diff.EntitiesDeleted)

	// diff(a, b) mirrors diff(b, a)
	reverse := ComputeDiff(after, before)
	assert.Equal(t, diff.NodesAdded, reverse.NodesDeleted)
	assert.Equal(t, diff.NodesDeleted, reverse.NodesAdded)
	assert.Equal(t, diff.NodesModified, reverse.NodesModified)
	assert.Equal(t, diff.EntitiesAdded, reverse.EntitiesDeleted)
	assert.Equal(t, diff.WordsAdded, reverse.WordsRemoved)
	assert.Equal(t, diff.WordsRemoved, reverse.WordsAdded)

	// diff of a version against itself is empty on every field
	assert.Equal(t, true, ComputeDiff(before, before).Empty())
	assert.Equal(t, true, ComputeDiff(after, after).Empty())
}

func TestComputeDiffWords(t *testing.T) {
	// rune counting, one-sided deltas
	before := testSnapshot(1, []*StoryNode{
		{Id: "n-1", Title: "短", Content: "一二三"},
	}, nil)
	after := testSnapshot(2, []*StoryNode{
		{Id: "n-1", Title: "短", Content: "一二三四五"},
	}, nil)

	diff := ComputeDiff(before, after)
	assert.Equal(t, 2, diff.WordsAdded)
	assert.Equal(t, 0, diff.WordsRemoved)

	diff = ComputeDiff(after, before)
	assert.Equal(t, 0, diff.WordsAdded)
	assert.Equal(t, 2, diff.WordsRemoved)
}

func TestBaseVersionFor(t *testing.T) {
	versions := []*SnapshotMetadata{
		{Version: 5},
		{Version: 3},
		{Version: 2},
	}

	// nearest strictly earlier version
	assert.Equal(t, 3, baseVersionFor(versions, 5))
	assert.Equal(t, 2, baseVersionFor(versions, 3))
	// nothing earlier: fall back to the earliest available
	assert.Equal(t, 2, baseVersionFor(versions, 1))
	// only snapshot is itself
	assert.Equal(t, 2, baseVersionFor(versions, 2))
	assert.Equal(t, 7, baseVersionFor([]*SnapshotMetadata{{Version: 7}}, 7))
	assert.Equal(t, 9, baseVersionFor(nil, 9))
}

// an in-memory versions backend speaking the project versions REST surface
type versionsTestServer struct {
	lock        sync.Mutex
	snapshots   map[int]*Snapshot
	nextVersion int

	server *httptest.Server
}

func newVersionsTestServer(snapshots ...*Snapshot) *versionsTestServer {
	self := &versionsTestServer{
		snapshots:   map[int]*Snapshot{},
		nextVersion: 1,
	}
	for _, snapshot := range snapshots {
		self.snapshots[snapshot.Version] = snapshot
		if self.nextVersion <= snapshot.Version {
			self.nextVersion = snapshot.Version + 1
		}
	}
	self.server = httptest.NewServer(http.HandlerFunc(self.handle))
	return self
}

func (self *versionsTestServer) handle(w http.ResponseWriter, r *http.Request) {
	self.lock.Lock()
	defer self.lock.Unlock()

	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/projects/p-1/versions"), "/")
	if path == "" {
		switch r.Method {
		case "GET":
			metadata := []*SnapshotMetadata{}
			for _, snapshot := range self.snapshots {
				metadata = append(metadata, &SnapshotMetadata{
					Version:      snapshot.Version,
					SnapshotType: snapshot.SnapshotType,
					Name:         snapshot.Name,
					NodeCount:    snapshot.NodeCount,
					EntityCount:  snapshot.EntityCount,
					CreatedAt:    snapshot.CreatedAt,
				})
			}
			json.NewEncoder(w).Encode(metadata)
		case "POST":
			args := &CreateSnapshotArgs{}
			json.NewDecoder(r.Body).Decode(args)
			snapshot := testSnapshot(self.nextVersion, nil, nil)
			snapshot.Name = args.Name
			snapshot.Description = args.Description
			if args.Type != "" {
				snapshot.SnapshotType = args.Type
			}
			self.snapshots[snapshot.Version] = snapshot
			self.nextVersion += 1
			json.NewEncoder(w).Encode(snapshot)
		}
		return
	}

	parts := strings.Split(path, "/")
	version, err := strconv.Atoi(parts[0])
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	snapshot, ok := self.snapshots[version]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("version not found"))
		return
	}

	switch {
	case len(parts) == 1 && r.Method == "GET":
		json.NewEncoder(w).Encode(snapshot)
	case len(parts) == 1 && r.Method == "PUT":
		args := &UpdateSnapshotArgs{}
		json.NewDecoder(r.Body).Decode(args)
		if args.Name != "" {
			snapshot.Name = args.Name
		}
		if args.Description != "" {
			snapshot.Description = args.Description
		}
		if args.PromoteToMilestone {
			snapshot.SnapshotType = SnapshotTypeMilestone
		}
		json.NewEncoder(w).Encode(snapshot)
	case len(parts) == 1 && r.Method == "DELETE":
		if snapshot.SnapshotType == SnapshotTypeMilestone {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte("milestone versions cannot be deleted"))
			return
		}
		delete(self.snapshots, version)
		json.NewEncoder(w).Encode(&DeleteSnapshotResult{
			Status: "deleted",
		})
	case len(parts) == 2 && parts[1] == "restore" && r.Method == "POST":
		json.NewEncoder(w).Encode(snapshot.StoryProject)
	case len(parts) == 3 && parts[1] == "diff" && r.Method == "GET":
		toVersion, _ := strconv.Atoi(parts[2])
		if to, ok := self.snapshots[toVersion]; ok {
			json.NewEncoder(w).Encode(ComputeDiff(snapshot, to))
		} else {
			w.WriteHeader(http.StatusNotFound)
		}
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestVersionManagerSelect(t *testing.T) {
	server := newVersionsTestServer(
		testSnapshot(1, []*StoryNode{
			{Id: "n-1", Content: "第一章"},
		}, []string{"e-1"}),
		testSnapshot(2, []*StoryNode{
			{Id: "n-1", Content: "第一章"},
			{Id: "n-2", Content: "第二章"},
		}, []string{"e-1", "e-2"}),
	)
	defer server.server.Close()

	api := NewStoryApi(server.server.URL)
	defer api.Close()
	reconciler := NewReconciler()
	versionManager := NewVersionManager(api, reconciler, "p-1")

	assert.Equal(t, nil, versionManager.Refresh())
	versions := versionManager.Versions()
	assert.Equal(t, 2, len(versions))
	// newest first
	assert.Equal(t, 2, versions[0].Version)
	assert.Equal(t, 1, versions[1].Version)

	assert.Equal(t, nil, versionManager.Select(2))
	assert.Equal(t, 2, versionManager.SelectedVersion())
	assert.Equal(t, 1, versionManager.BaseVersion())
	diff := versionManager.Diff()
	assert.Equal(t, []string{"n-2"}, diff.NodesAdded)
	assert.Equal(t, []string{"e-2"}, diff.EntitiesAdded)

	// selecting the earliest version diffs it against itself
	assert.Equal(t, nil, versionManager.Select(1))
	assert.Equal(t, 1, versionManager.BaseVersion())
	assert.Equal(t, true, versionManager.Diff().Empty())

	// a failing select leaves the prior selection untouched
	assert.NotEqual(t, nil, versionManager.Select(9))
	assert.Equal(t, 1, versionManager.SelectedVersion())
}

func TestVersionManagerCreatePromoteDelete(t *testing.T) {
	server := newVersionsTestServer(
		testSnapshot(1, nil, nil),
	)
	defer server.server.Close()

	api := NewStoryApi(server.server.URL)
	defer api.Close()
	reconciler := NewReconciler()
	versionManager := NewVersionManager(api, reconciler, "p-1")
	assert.Equal(t, nil, versionManager.Refresh())

	// a created snapshot gets a version strictly greater than all existing
	snapshot, err := versionManager.Create("第一稿", "初稿完成", SnapshotTypeManual)
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, snapshot.Version)
	assert.Equal(t, SnapshotTypeManual, snapshot.SnapshotType)
	assert.Equal(t, 2, len(versionManager.Versions()))

	promoted, err := versionManager.Promote(2)
	assert.Equal(t, nil, err)
	assert.Equal(t, SnapshotTypeMilestone, promoted.SnapshotType)

	// promotion is sticky through metadata updates
	renamed, err := versionManager.Rename(2, "里程碑", "")
	assert.Equal(t, nil, err)
	assert.Equal(t, SnapshotTypeMilestone, renamed.SnapshotType)
	assert.Equal(t, "里程碑", renamed.Name)

	// milestones cannot be deleted; the listing is unchanged
	err = versionManager.Delete(2)
	assert.NotEqual(t, nil, err)
	assert.Equal(t, 2, len(versionManager.Versions()))

	assert.Equal(t, nil, versionManager.Delete(1))
	assert.Equal(t, 1, len(versionManager.Versions()))

	// deleted version numbers are never reused
	next, err := versionManager.Create("", "", SnapshotTypeAuto)
	assert.Equal(t, nil, err)
	assert.Equal(t, 3, next.Version)
}

func TestVersionManagerRestore(t *testing.T) {
	snapshot := testSnapshot(1, []*StoryNode{
		{Id: "n-1", Title: "开端", Content: "第一章"},
	}, nil)
	server := newVersionsTestServer(snapshot)
	defer server.server.Close()

	api := NewStoryApi(server.server.URL)
	defer api.Close()
	reconciler := NewReconciler()
	versionManager := NewVersionManager(api, reconciler, "p-1")

	// restore is destructive and requires explicit confirmation
	err := versionManager.Restore(1, false)
	assert.Equal(t, ErrRestoreNotConfirmed, err)
	assert.Equal(t, (*StoryProject)(nil), reconciler.Project())

	assert.Equal(t, nil, versionManager.Restore(1, true))
	assert.Equal(t, "第一章", reconciler.Node("n-1").Content)
}
