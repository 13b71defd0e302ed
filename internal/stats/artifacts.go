package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"cellpop/internal/census"
	"cellpop/internal/model"
	"cellpop/internal/reconstruct"
)

const runIndexFile = "run_index.json"

const (
	configFile      = "config.json"
	generationsFile = "generations.json"
	censusFile      = "census.csv"
	forestFile      = "forest.nwk"
	groupsFile      = "groups.json"
	manifestFile    = "manifest.yaml"
)

type RunIndexEntry struct {
	RunID        string  `json:"run_id"`
	CreatedAtUTC string  `json:"created_at_utc"`
	Founders     int     `json:"founders"`
	Generations  int     `json:"generations"`
	Cells        int     `json:"cells"`
	FinalAlive   float64 `json:"final_alive"`
	StopReason   string  `json:"stop_reason"`
}

type RunArtifacts struct {
	RunID        string
	CreatedAtUTC string
	Config       map[string]any
	Generations  []model.GenerationSummary
	StopReason   string
	Census       census.Curve
	Forest       string
	Groups       *reconstruct.Groups
}

// Manifest summarizes a run directory.
type Manifest struct {
	RunID        string   `yaml:"run_id"`
	CreatedAtUTC string   `yaml:"created_at_utc"`
	StopReason   string   `yaml:"stop_reason"`
	Generations  int      `yaml:"generations"`
	Cells        int      `yaml:"cells"`
	Divisions    int      `yaml:"divisions"`
	Deaths       int      `yaml:"deaths"`
	Errors       int      `yaml:"errors"`
	PeakAlive    float64  `yaml:"peak_alive"`
	FinalAlive   float64  `yaml:"final_alive"`
	Files        []string `yaml:"files"`
}

func (a RunArtifacts) manifest(files []string) Manifest {
	m := Manifest{
		RunID:        a.RunID,
		CreatedAtUTC: a.CreatedAtUTC,
		StopReason:   a.StopReason,
		Generations:  len(a.Generations),
		PeakAlive:    a.Census.Peak(),
		FinalAlive:   a.Census.Final(),
		Files:        files,
	}
	for _, g := range a.Generations {
		m.Cells += g.Cells
		m.Divisions += g.Divisions
		m.Deaths += g.Deaths
		m.Errors += g.Errors
	}
	return m
}

// WriteRunArtifacts writes one directory per run under baseDir and returns
// its path.
func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	files := []string{configFile, generationsFile, censusFile, forestFile}
	if err := writeJSON(filepath.Join(runDir, configFile), artifacts.Config); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, generationsFile), artifacts.Generations); err != nil {
		return "", err
	}
	if err := WriteCensusCSV(filepath.Join(runDir, censusFile), artifacts.Census); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(runDir, forestFile), []byte(artifacts.Forest+"\n"), 0o644); err != nil {
		return "", err
	}
	if artifacts.Groups != nil {
		if err := writeJSON(filepath.Join(runDir, groupsFile), artifacts.Groups); err != nil {
			return "", err
		}
		files = append(files, groupsFile)
	}
	files = append(files, manifestFile)
	if err := writeYAML(filepath.Join(runDir, manifestFile), artifacts.manifest(files)); err != nil {
		return "", err
	}

	return runDir, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns the index newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

// ExportRunArtifacts copies the files listed in a run's manifest, plus the
// manifest itself, into outDir/<runID>.
func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if strings.TrimSpace(runID) == "" {
		return "", fmt.Errorf("run id is required")
	}

	manifest, ok, err := ReadManifest(baseDir, runID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("run %s has no %s: %w", runID, manifestFile, os.ErrNotExist)
	}

	src := filepath.Join(baseDir, runID)
	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}
	for _, file := range manifest.Files {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	return dst, nil
}

func ReadManifest(baseDir, runID string) (Manifest, bool, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runID, manifestFile))
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, false, nil
		}
		return Manifest{}, false, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, false, err
	}
	return m, true, nil
}

func ReadGenerations(baseDir, runID string) ([]model.GenerationSummary, bool, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runID, generationsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var out []model.GenerationSummary
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func WriteCensusCSV(path string, curve census.Curve) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := EncodeCensusCSV(f, curve); err != nil {
		return err
	}
	return f.Sync()
}

// EncodeCensusCSV writes "time_hours,alive" rows.
func EncodeCensusCSV(w io.Writer, curve census.Curve) error {
	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"time_hours", "alive"}); err != nil {
		return err
	}
	for i := range curve.Times {
		row := []string{
			strconv.FormatFloat(curve.Times[i], 'f', -1, 64),
			strconv.FormatFloat(curve.Counts[i], 'f', -1, 64),
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// EncodeObservationCSV writes one row per grid time and one column per cell.
// values is indexed [cell][time]; NaN entries are left empty.
func EncodeObservationCSV(w io.Writer, times []float64, cells []string, values [][]float64) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(append([]string{"time_hours"}, cells...)); err != nil {
		return err
	}
	row := make([]string, len(cells)+1)
	for j, t := range times {
		row[0] = strconv.FormatFloat(t, 'f', -1, 64)
		for c := range cells {
			row[c+1] = ""
			if c < len(values) && j < len(values[c]) && !math.IsNaN(values[c][j]) {
				row[c+1] = strconv.FormatFloat(values[c][j], 'g', 6, 64)
			}
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func ReadCensus(baseDir, runID string) (census.Curve, bool, error) {
	f, err := os.Open(filepath.Join(baseDir, runID, censusFile))
	if err != nil {
		if os.IsNotExist(err) {
			return census.Curve{}, false, nil
		}
		return census.Curve{}, false, err
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return census.Curve{}, false, err
	}
	var curve census.Curve
	for i, record := range records {
		if i == 0 {
			continue
		}
		if len(record) != 2 {
			return census.Curve{}, false, fmt.Errorf("census row %d: expected 2 columns, got %d", i, len(record))
		}
		ts, err := strconv.ParseFloat(record[0], 64)
		if err != nil {
			return census.Curve{}, false, err
		}
		alive, err := strconv.ParseFloat(record[1], 64)
		if err != nil {
			return census.Curve{}, false, err
		}
		curve.Times = append(curve.Times, ts)
		curve.Counts = append(curve.Counts, alive)
	}
	return curve, true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func writeYAML(path string, value any) error {
	data, err := yaml.Marshal(value)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
