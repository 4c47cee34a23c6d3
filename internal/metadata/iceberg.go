package metadata

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DataFile describes one parquet object written by the archive sink.
type DataFile struct {
	Path        string            `json:"path"`
	FileSize    int64             `json:"file_size_in_bytes"`
	RecordCount int64             `json:"record_count"`
	Partition   map[string]string `json:"partition"`
}

// ManifestEntry mirrors the information kept in an Iceberg manifest file.
type ManifestEntry struct {
	Status   int      `json:"status"`
	DataFile DataFile `json:"data_file"`
}

// Manifest lists the files one run added to a table.
type Manifest struct {
	FormatVersion int             `json:"format-version"`
	Table         string          `json:"table"`
	Location      string          `json:"location"`
	SnapshotID    int64           `json:"snapshot-id"`
	RunID         string          `json:"run-id"`
	TimestampMs   int64           `json:"timestamp-ms"`
	Records       int64           `json:"added-records"`
	Entries       []ManifestEntry `json:"entries"`
}

// Generator collects the data files of one run per table. Safe for
// concurrent use.
type Generator struct {
	mu       sync.Mutex
	location string
	runID    string
	snapshot int64
	tables   map[string][]DataFile
}

// NewGenerator returns a generator for the run runID. location is the
// archive root, e.g. s3://bucket/prefix.
func NewGenerator(location, runID string, startedAt time.Time) *Generator {
	return &Generator{
		location: location,
		runID:    runID,
		snapshot: startedAt.UnixNano(),
		tables:   make(map[string][]DataFile),
	}
}

// AddFile records a newly written parquet file under table. Writing the
// same path again replaces the earlier entry.
func (g *Generator) AddFile(table string, df DataFile) {
	g.mu.Lock()
	defer g.mu.Unlock()
	files := g.tables[table]
	for i := range files {
		if files[i].Path == df.Path {
			files[i] = df
			return
		}
	}
	g.tables[table] = append(files, df)
}

// Tables returns the tables that received files, sorted.
func (g *Generator) Tables() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.tables))
	for t := range g.tables {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Manifest renders the manifest of table. Entries are sorted by path so the
// document is stable for a given set of files.
func (g *Generator) Manifest(table string) ([]byte, error) {
	g.mu.Lock()
	files := append([]DataFile(nil), g.tables[table]...)
	g.mu.Unlock()
	if len(files) == 0 {
		return nil, fmt.Errorf("table %s has no data files", table)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	m := Manifest{
		FormatVersion: 2,
		Table:         table,
		Location:      g.location + "/" + table,
		SnapshotID:    g.snapshot,
		RunID:         g.runID,
		TimestampMs:   g.snapshot / int64(time.Millisecond),
	}
	for _, f := range files {
		m.Entries = append(m.Entries, ManifestEntry{Status: 1, DataFile: f})
		m.Records += f.RecordCount
	}
	return json.MarshalIndent(m, "", "  ")
}

// ManifestName is the object name of the run's manifest within a table.
func (g *Generator) ManifestName() string {
	return fmt.Sprintf("manifest-%s.json", g.runID)
}
