package storysync

import (
	"time"
	"unicode/utf8"

	"golang.org/x/exp/slices"
)

type StoryNode struct {
	Id             string   `json:"id"`
	Title          string   `json:"title"`
	Content        string   `json:"content"`
	NarrativeOrder int      `json:"narrative_order"`
	TimelineOrder  float64  `json:"timeline_order"`
	LocationTag    string   `json:"location_tag"`
	Characters     []string `json:"characters"`
}

func (self *StoryNode) Clone() *StoryNode {
	node := *self
	node.Characters = slices.Clone(self.Characters)
	return &node
}

func (self *StoryNode) Equal(node *StoryNode) bool {
	return self.Id == node.Id &&
		self.Title == node.Title &&
		self.Content == node.Content &&
		self.NarrativeOrder == node.NarrativeOrder &&
		self.TimelineOrder == node.TimelineOrder &&
		self.LocationTag == node.LocationTag &&
		slices.Equal(self.Characters, node.Characters)
}

type CharacterProfile struct {
	Id   string   `json:"id"`
	Name string   `json:"name"`
	Tags []string `json:"tags"`
	Bio  string   `json:"bio"`
}

type StoryProject struct {
	Id         string              `json:"id"`
	Title      string              `json:"title"`
	WorldView  string              `json:"world_view"`
	StyleTags  []string            `json:"style_tags"`
	Nodes      []*StoryNode        `json:"nodes"`
	Characters []*CharacterProfile `json:"characters"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

func (self *StoryProject) Node(nodeId string) *StoryNode {
	for _, node := range self.Nodes {
		if node.Id == nodeId {
			return node
		}
	}
	return nil
}

const (
	ConflictSeverityError   = "error"
	ConflictSeverityWarning = "warning"
	ConflictSeverityInfo    = "info"
)

type Conflict struct {
	Type        string   `json:"type"`
	Severity    string   `json:"severity"`
	Description string   `json:"description"`
	NodeIds     []string `json:"node_ids"`
	EntityIds   []string `json:"entity_ids"`
	Suggestion  string   `json:"suggestion,omitempty"`
}

// a conflict held in client state. The display id is minted locally so that
// the user can clear individual entries; it never goes back on the wire.
type TrackedConflict struct {
	DisplayId Id
	Conflict  *Conflict
}

type Entity struct {
	Id   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type Relation struct {
	Id       string `json:"id"`
	SourceId string `json:"source_id"`
	TargetId string `json:"target_id"`
	Type     string `json:"type"`
}

type KnowledgeGraph struct {
	Entities  []*Entity   `json:"entities"`
	Relations []*Relation `json:"relations"`
}

type SyncResult struct {
	Success          bool        `json:"success"`
	VectorUpdated    bool        `json:"vector_updated"`
	GraphUpdated     bool        `json:"graph_updated"`
	NewEntities      []*Entity   `json:"new_entities"`
	NewRelations     []*Relation `json:"new_relations"`
	RemovedEntities  []string    `json:"removed_entities"`
	RemovedRelations []string    `json:"removed_relations"`
	Warnings         []string    `json:"warnings"`
}

const (
	SnapshotTypeAuto      = "auto"
	SnapshotTypeManual    = "manual"
	SnapshotTypeMilestone = "milestone"
	SnapshotTypePreSync   = "pre_sync"
)

// Immutable once created, except metadata
// updates and promotion to milestone.
type Snapshot struct {
	Version      int             `json:"version"`
	SnapshotType string          `json:"snapshot_type"`
	Name         string          `json:"name,omitempty"`
	Description  string          `json:"description,omitempty"`
	StoryProject *StoryProject   `json:"story_project"`
	Graph        *KnowledgeGraph `json:"knowledge_graph"`
	NodeCount    int             `json:"node_count"`
	EntityCount  int             `json:"entity_count"`
	CreatedAt    time.Time       `json:"created_at"`
}

// one row of the version listing
type SnapshotMetadata struct {
	Version      int       `json:"version"`
	SnapshotType string    `json:"snapshot_type"`
	Name         string    `json:"name,omitempty"`
	Description  string    `json:"description,omitempty"`
	NodeCount    int       `json:"node_count"`
	EntityCount  int       `json:"entity_count"`
	CreatedAt    time.Time `json:"created_at"`
	WordsAdded   int       `json:"words_added"`
	WordsRemoved int       `json:"words_removed"`
}

type VersionDiff struct {
	NodesAdded       []string `json:"nodes_added"`
	NodesModified    []string `json:"nodes_modified"`
	NodesDeleted     []string `json:"nodes_deleted"`
	EntitiesAdded    []string `json:"entities_added"`
	EntitiesDeleted  []string `json:"entities_deleted"`
	RelationsAdded   []string `json:"relations_added"`
	RelationsDeleted []string `json:"relations_deleted"`
	WordsAdded       int      `json:"words_added"`
	WordsRemoved     int      `json:"words_removed"`
}

func (self *VersionDiff) Empty() bool {
	return len(self.NodesAdded) == 0 &&
		len(self.NodesModified) == 0 &&
		len(self.NodesDeleted) == 0 &&
		len(self.EntitiesAdded) == 0 &&
		len(self.EntitiesDeleted) == 0 &&
		len(self.RelationsAdded) == 0 &&
		len(self.RelationsDeleted) == 0 &&
		self.WordsAdded == 0 &&
		self.WordsRemoved == 0
}

// words are counted as runes over title, content and location tag, matching
// the server's accounting
func CountWords(nodes []*StoryNode) int {
	count := 0
	for _, node := range nodes {
		count += utf8.RuneCountInString(node.Content)
		count += utf8.RuneCountInString(node.Title)
		count += utf8.RuneCountInString(node.LocationTag)
	}
	return count
}
