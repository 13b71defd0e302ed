package cellpop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"

	"cellpop/internal/census"
	"cellpop/internal/config"
	"cellpop/internal/metrics"
	"cellpop/internal/model"
	"cellpop/internal/platform"
	"cellpop/internal/reconstruct"
	"cellpop/internal/stats"
	"cellpop/internal/storage"
)

const (
	defaultArtifactsDir = "runs"
	defaultExportsDir   = "exports"
	defaultDBPath       = "cellpop.db"
)

type Options struct {
	StoreKind    string
	DBPath       string
	ArtifactsDir string
	ExportsDir   string
	MetricsAddr  string
	Logger       *slog.Logger
}

type Client struct {
	store    storage.Store
	lab      *platform.Lab
	recorder *metrics.Recorder
	logger   *slog.Logger

	artifactsDir string
	exportsDir   string
	metricsAddr  string
}

// RunRef selects a run by id, or the most recent one.
type RunRef struct {
	RunID  string
	Latest bool
}

type RunSummary struct {
	RunID        string
	StopReason   string
	Generations  []model.GenerationSummary
	Cells        int
	FinalAlive   float64
	ArtifactsDir string
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID        string
	CreatedAtUTC string
	Founders     int
	Generations  int
	Cells        int
	StopReason   string
	Completed    bool
}

type DescendantsRequest struct {
	RunRef
	Generation int
	Index      int
}

type LineagesRequest struct {
	RunRef
	// Founders limits the walk; empty means every founder.
	Founders []int
}

type LineageItem struct {
	Lineage    string
	Generation int
	Index      int
	Samples    int
	StartHours float64
	EndHours   float64
	Outcome    model.Outcome
}

type TreeRequest struct {
	RunRef
	// Founder selects one tree; 0 renders the whole population forest.
	Founder int
}

type TreeSummary struct {
	Newick string
	Leaves int
	Depth  int
}

type DistanceRequest struct {
	RunRef
	Founder int
	// From and To are node names such as "g2c1".
	From string
	To   string
}

type ObserveRequest struct {
	RunRef
	Species string
}

// Observation is one species sampled on the census grid, one row per cell.
// Entries outside a cell's alive span are NaN.
type Observation struct {
	Species string
	Times   []float64
	Cells   []string
	Values  [][]float64
}

type RankRequest struct {
	RunRef
	// Group is "few" or "many"; the reference is always the founders
	// without descendants.
	Group string
}

type ExportRequest struct {
	RunRef
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = "memory"
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	artifactsDir := opts.ArtifactsDir
	if artifactsDir == "" {
		artifactsDir = defaultArtifactsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:        store,
		recorder:     metrics.NewRecorder(),
		logger:       opts.Logger,
		artifactsDir: artifactsDir,
		exportsDir:   exportsDir,
		metricsAddr:  opts.MetricsAddr,
	}, nil
}

func (c *Client) Close() error {
	if c.lab != nil {
		return c.lab.Stop(context.Background())
	}
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	_, err := c.ensureLab(ctx)
	return err
}

// Metrics exposes the recorder shared by every run of this client.
func (c *Client) Metrics() *metrics.Recorder {
	return c.recorder
}

// Run executes one experiment. An empty cfg.ArtifactsDir falls back to the
// client's artifacts directory.
func (c *Client) Run(ctx context.Context, cfg config.Config) (RunSummary, error) {
	lab, err := c.ensureLab(ctx)
	if err != nil {
		return RunSummary{}, err
	}
	if cfg.ArtifactsDir == "" {
		cfg.ArtifactsDir = c.artifactsDir
	}
	res, err := lab.RunExperiment(ctx, cfg)
	if err != nil {
		return RunSummary{}, err
	}
	curve := census.Build(census.Intervals(census.FromResults(res.Results, res.Markers)))
	return RunSummary{
		RunID:        res.RunID,
		StopReason:   res.StopReason,
		Generations:  res.Record.Generations,
		Cells:        res.Results.Len(),
		FinalAlive:   curve.Final(),
		ArtifactsDir: res.RunDir,
	}, nil
}

// Runs lists runs newest first.
func (c *Client) Runs(ctx context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}
	if _, err := c.ensureLab(ctx); err != nil {
		return nil, err
	}
	runs, err := c.store.ListRuns(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].CreatedAtUTC > runs[j].CreatedAtUTC })
	if len(runs) > req.Limit {
		runs = runs[:req.Limit]
	}

	out := make([]RunItem, 0, len(runs))
	for _, r := range runs {
		item := RunItem{
			RunID:        r.ID,
			CreatedAtUTC: r.CreatedAtUTC,
			Founders:     r.Founders,
			Generations:  len(r.Generations),
			StopReason:   r.StopReason,
			Completed:    r.Completed,
		}
		for _, g := range r.Generations {
			item.Cells += g.Cells
		}
		out = append(out, item)
	}
	return out, nil
}

func (c *Client) Generations(ctx context.Context, ref RunRef) ([]model.GenerationSummary, error) {
	runID, err := c.resolveRun(ctx, ref)
	if err != nil {
		return nil, err
	}
	record, ok, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", platform.ErrRunNotFound, runID)
	}
	return record.Generations, nil
}

func (c *Client) Descendants(ctx context.Context, req DescendantsRequest) (map[int][]int, error) {
	_, _, r, err := c.load(ctx, req.RunRef)
	if err != nil {
		return nil, err
	}
	return r.DescendantsOf(req.Generation, req.Index)
}

// Lineages returns the terminal lineages below the requested founders,
// ordered by founder then path.
func (c *Client) Lineages(ctx context.Context, req LineagesRequest) ([]LineageItem, error) {
	_, _, r, err := c.load(ctx, req.RunRef)
	if err != nil {
		return nil, err
	}
	founders := req.Founders
	if len(founders) == 0 {
		founders = r.Founders()
	}
	terminal, err := r.TerminalLineages(founders)
	if err != nil {
		return nil, err
	}

	out := make([]LineageItem, 0, len(terminal))
	for l, cell := range terminal {
		item := LineageItem{
			Lineage:    l.String(),
			Generation: cell.Generation,
			Index:      cell.LocalIndex,
			Samples:    len(cell.Times),
			Outcome:    cell.Outcome,
		}
		if len(cell.Times) > 0 {
			item.StartHours = cell.StartHours()
			item.EndHours = cell.EndHours()
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Generation != out[j].Generation {
			return out[i].Generation < out[j].Generation
		}
		return out[i].Lineage < out[j].Lineage
	})
	return out, nil
}

func (c *Client) Tree(ctx context.Context, req TreeRequest) (TreeSummary, error) {
	_, _, r, err := c.load(ctx, req.RunRef)
	if err != nil {
		return TreeSummary{}, err
	}
	if req.Founder == 0 {
		forest, err := r.BuildForest()
		if err != nil {
			return TreeSummary{}, err
		}
		depth := 0
		for _, t := range forest.Trees {
			if d := t.Depth(); d > depth {
				depth = d
			}
		}
		return TreeSummary{Newick: forest.Newick(), Leaves: forest.LeafCount(), Depth: depth}, nil
	}
	tree, err := r.BuildTree(req.Founder)
	if err != nil {
		return TreeSummary{}, err
	}
	return TreeSummary{Newick: tree.Newick(), Leaves: tree.LeafCount(), Depth: tree.Depth()}, nil
}

func (c *Client) Census(ctx context.Context, ref RunRef) (census.Curve, error) {
	record, results, _, err := c.load(ctx, ref)
	if err != nil {
		return census.Curve{}, err
	}
	return census.Build(census.Intervals(census.FromResults(results, record.Markers))), nil
}

// Distance is the patristic distance in hours between two cells of one
// founder's tree.
func (c *Client) Distance(ctx context.Context, req DistanceRequest) (float64, error) {
	_, _, r, err := c.load(ctx, req.RunRef)
	if err != nil {
		return 0, err
	}
	tree, err := r.BuildTree(req.Founder)
	if err != nil {
		return 0, err
	}
	return tree.Distance(req.From, req.To)
}

// CensusMedian combines the census curves of replicate runs.
func (c *Client) CensusMedian(ctx context.Context, runIDs []string) (census.Curve, error) {
	if len(runIDs) == 0 {
		return census.Curve{}, errors.New("at least one run id is required")
	}
	curves := make([]census.Curve, 0, len(runIDs))
	for _, id := range runIDs {
		curve, err := c.Census(ctx, RunRef{RunID: id})
		if err != nil {
			return census.Curve{}, fmt.Errorf("census %s: %w", id, err)
		}
		curves = append(curves, curve)
	}
	return census.Median(curves), nil
}

func (c *Client) Observe(ctx context.Context, req ObserveRequest) (Observation, error) {
	record, results, _, err := c.load(ctx, req.RunRef)
	if err != nil {
		return Observation{}, err
	}
	species := -1
	for i, name := range record.Species {
		if name == req.Species {
			species = i
			break
		}
	}
	if species < 0 {
		return Observation{}, fmt.Errorf("unknown species %q", req.Species)
	}

	cells := census.FromResults(results, record.Markers)
	table := census.BuildTable(census.Intervals(cells))
	series := make([]census.Series, len(cells))
	names := make([]string, len(cells))
	for i, cell := range cells {
		names[i] = fmt.Sprintf("g%dc%d", cell.Generation, cell.Index)
		res, _ := results.Cell(cell.Generation, cell.Index)
		values := make([]float64, len(res.States))
		for j, row := range res.States {
			values[j] = row[species]
		}
		series[i] = census.Series{Times: res.Times, Values: values}
	}
	return Observation{
		Species: req.Species,
		Times:   table.Times,
		Cells:   names,
		Values:  census.Observe(table, series),
	}, nil
}

func (c *Client) Groups(ctx context.Context, ref RunRef) (reconstruct.Groups, error) {
	_, _, r, err := c.load(ctx, ref)
	if err != nil {
		return reconstruct.Groups{}, err
	}
	return r.GroupFounders(reconstruct.DefaultGroupThresholds())
}

// Rank scores species by how far a group's terminal lineages drift from the
// founders that never divided.
func (c *Client) Rank(ctx context.Context, req RankRequest) (reconstruct.Ranking, error) {
	record, _, r, err := c.load(ctx, req.RunRef)
	if err != nil {
		return reconstruct.Ranking{}, err
	}
	groups, err := r.GroupFounders(reconstruct.DefaultGroupThresholds())
	if err != nil {
		return reconstruct.Ranking{}, err
	}
	var group []int
	switch req.Group {
	case "", "few":
		group = groups.Few
	case "many":
		group = groups.Many
	default:
		return reconstruct.Ranking{}, fmt.Errorf("unknown group %q (want few or many)", req.Group)
	}
	if len(group) == 0 || len(groups.None) == 0 {
		return reconstruct.Ranking{}, fmt.Errorf("group %q or reference group is empty", req.Group)
	}
	return r.RankSpecies(group, groups.None, record.Species)
}

// Export copies a run's artifacts to OutDir, writing them from the store
// first if the run has none yet.
func (c *Client) Export(ctx context.Context, req ExportRequest) (ExportSummary, error) {
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}
	runID, err := c.resolveRun(ctx, req.RunRef)
	if err != nil {
		return ExportSummary{}, err
	}
	_, ok, err := stats.ReadManifest(c.artifactsDir, runID)
	if err != nil {
		return ExportSummary{}, err
	}
	if !ok {
		record, results, err := c.lab.LoadResults(ctx, runID)
		if err != nil {
			return ExportSummary{}, err
		}
		if _, err := platform.WriteArtifacts(c.artifactsDir, record, results); err != nil {
			return ExportSummary{}, err
		}
	}
	exportedDir, err := stats.ExportRunArtifacts(c.artifactsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

func (c *Client) resolveRun(ctx context.Context, ref RunRef) (string, error) {
	if ref.RunID != "" && ref.Latest {
		return "", errors.New("use either run id or latest")
	}
	if ref.RunID == "" && !ref.Latest {
		return "", errors.New("run id or latest is required")
	}
	if _, err := c.ensureLab(ctx); err != nil {
		return "", err
	}
	if !ref.Latest {
		return ref.RunID, nil
	}
	runs, err := c.store.ListRuns(ctx)
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return "", errors.New("no runs available")
	}
	latest := runs[0]
	for _, r := range runs[1:] {
		if r.CreatedAtUTC >= latest.CreatedAtUTC {
			latest = r
		}
	}
	return latest.ID, nil
}

func (c *Client) load(ctx context.Context, ref RunRef) (model.RunRecord, *model.ResultStore, *reconstruct.Reconstructor, error) {
	runID, err := c.resolveRun(ctx, ref)
	if err != nil {
		return model.RunRecord{}, nil, nil, err
	}
	record, results, err := c.lab.LoadResults(ctx, runID)
	if err != nil {
		return model.RunRecord{}, nil, nil, err
	}
	r, err := reconstruct.New(results, record.Markers)
	if err != nil {
		return model.RunRecord{}, nil, nil, err
	}
	return record, results, r, nil
}

func (c *Client) ensureLab(ctx context.Context) (*platform.Lab, error) {
	if c.lab != nil {
		return c.lab, nil
	}
	cfg := platform.Config{Store: c.store, Recorder: c.recorder, Logger: c.logger}
	if c.metricsAddr != "" {
		cfg.SupportModules = append(cfg.SupportModules, &platform.MetricsModule{
			Recorder: c.recorder,
			Addr:     c.metricsAddr,
			Logger:   c.logger,
		})
	}
	lab := platform.NewLab(cfg)
	if err := lab.Init(ctx); err != nil {
		return nil, err
	}
	c.lab = lab
	return c.lab, nil
}
