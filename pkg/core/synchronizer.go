package core

import (
	"context"
	"deltasync/pkg/bucket"
	"deltasync/pkg/changes"
	"deltasync/pkg/checkpoint"
	"deltasync/pkg/common"
	"deltasync/pkg/config"
	"deltasync/pkg/merge"
	"deltasync/pkg/monitor"
	"deltasync/pkg/partition"
	"deltasync/pkg/source"
	"deltasync/pkg/storage"
	"deltasync/pkg/watermark"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrAlreadyInitialized = errors.New("core: table already has bucket files")
	ErrUnknownTable       = errors.New("core: unknown table")
)

type State string

const (
	StateInit State = "INIT"
	StateSync State = "SYNC"
)

type RunOptions struct {
	// Reinit rebuilds every bucket from the table and reseeds the checkpoint.
	Reinit bool
}

type Report struct {
	ID         string          `json:"id"`
	Table      string          `json:"table"`
	State      State           `json:"state"`
	Rows       int64           `json:"rows"`
	Batches    int             `json:"batches"`
	Buckets    int             `json:"buckets"`
	Removed    int             `json:"removed"`
	Checkpoint watermark.Token `json:"checkpoint"`
	Started    time.Time       `json:"started"`
	Duration   time.Duration   `json:"duration"`
}

// Synchronizer drives INIT and SYNC for the configured tables. Runs of the same
// table are serialized; different tables may run concurrently.
type Synchronizer struct {
	src         source.Source
	store       storage.Store
	checkpoints *checkpoint.Store
	writer      *merge.Writer
	tables      []config.TableConfig
	syncCfg     config.SyncConfig
	journal     storage.Journal
	stats       *monitor.SyncStats
	logger      zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

type Option func(*Synchronizer)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Synchronizer) { s.logger = l }
}

func WithJournal(j storage.Journal) Option {
	return func(s *Synchronizer) { s.journal = j }
}

func WithStats(st *monitor.SyncStats) Option {
	return func(s *Synchronizer) { s.stats = st }
}

func New(src source.Source, store storage.Store, cfg *config.Config, opts ...Option) (*Synchronizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Synchronizer{
		src:     src,
		store:   store,
		tables:  cfg.Tables,
		syncCfg: cfg.Sync,
		stats:   monitor.NewSyncStats(),
		logger:  zerolog.Nop(),
		locks:   make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		o(s)
	}
	s.checkpoints = checkpoint.New(store, checkpoint.WithLogger(s.logger))
	wopts := []merge.Option{merge.WithLogger(s.logger)}
	if cfg.Sync.RowGroupSize > 0 {
		wopts = append(wopts, merge.WithRowGroupSize(cfg.Sync.RowGroupSize))
	}
	s.writer = merge.NewWriter(store, wopts...)
	return s, nil
}

func (s *Synchronizer) Stats() *monitor.SyncStats {
	return s.stats
}

// Tables lists the configured table names.
func (s *Synchronizer) Tables() []string {
	names := make([]string, len(s.tables))
	for i, t := range s.tables {
		names[i] = t.Name
	}
	return names
}

func (s *Synchronizer) table(name string) (config.TableConfig, error) {
	for _, t := range s.tables {
		if strings.EqualFold(t.Name, name) {
			return t, nil
		}
	}
	return config.TableConfig{}, fmt.Errorf("%w: %s", ErrUnknownTable, name)
}

func (s *Synchronizer) lock(name string) func() {
	key := strings.ToLower(name)
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Checkpoint reads the persisted progress of a table.
func (s *Synchronizer) Checkpoint(ctx context.Context, name string) (checkpoint.State, error) {
	t, err := s.table(name)
	if err != nil {
		return checkpoint.State{}, err
	}
	codec, err := watermark.ForKind(watermark.Kind(t.SequenceKind))
	if err != nil {
		return checkpoint.State{}, err
	}
	return s.checkpoints.Read(ctx, t.Name, codec)
}

// Rows reads the replicated table back in primary key order, optionally limited
// to keys in [from, to]. It reads published bucket files only and takes no lock.
func (s *Synchronizer) Rows(ctx context.Context, name string, from, to *common.KeyType, limit int) (*common.Batch, error) {
	t, err := s.table(name)
	if err != nil {
		return nil, err
	}
	return merge.ReadTable(ctx, s.store, t.Name, merge.ReadQuery{
		PrimaryKey: t.PrimaryKey,
		From:       from,
		To:         to,
		Chunk:      t.ChunkSize,
		Limit:      limit,
	})
}

// Run initializes the table when it has no bucket files (or on Reinit) and
// synchronizes it otherwise.
func (s *Synchronizer) Run(ctx context.Context, name string, opts RunOptions) (Report, error) {
	t, err := s.table(name)
	if err != nil {
		return Report{}, err
	}
	unlock := s.lock(t.Name)
	defer unlock()

	s.sweep(ctx, t.Name)
	ids, err := s.buckets(ctx, t)
	if err != nil {
		return Report{}, err
	}
	if len(ids) == 0 || opts.Reinit {
		return s.record(ctx, t, StateInit, func(r *Report, log zerolog.Logger) error {
			return s.initTable(ctx, t, ids, opts, r, log)
		})
	}
	return s.record(ctx, t, StateSync, func(r *Report, log zerolog.Logger) error {
		return s.syncTable(ctx, t, r, log)
	})
}

// Init builds every bucket from a full scan. Without Reinit it refuses to touch a
// table that already has bucket files.
func (s *Synchronizer) Init(ctx context.Context, name string, opts RunOptions) (Report, error) {
	t, err := s.table(name)
	if err != nil {
		return Report{}, err
	}
	unlock := s.lock(t.Name)
	defer unlock()

	s.sweep(ctx, t.Name)
	ids, err := s.buckets(ctx, t)
	if err != nil {
		return Report{}, err
	}
	if len(ids) > 0 && !opts.Reinit {
		return Report{}, fmt.Errorf("%w: %s", ErrAlreadyInitialized, t.Name)
	}
	return s.record(ctx, t, StateInit, func(r *Report, log zerolog.Logger) error {
		return s.initTable(ctx, t, ids, opts, r, log)
	})
}

// Sync applies pending changes after the stored checkpoint.
func (s *Synchronizer) Sync(ctx context.Context, name string) (Report, error) {
	t, err := s.table(name)
	if err != nil {
		return Report{}, err
	}
	unlock := s.lock(t.Name)
	defer unlock()

	s.sweep(ctx, t.Name)
	return s.record(ctx, t, StateSync, func(r *Report, log zerolog.Logger) error {
		return s.syncTable(ctx, t, r, log)
	})
}

func (s *Synchronizer) record(ctx context.Context, t config.TableConfig, state State, fn func(*Report, zerolog.Logger) error) (Report, error) {
	r := Report{ID: uuid.NewString(), Table: t.Name, State: state, Started: time.Now()}
	log := s.logger.With().Str("table", t.Name).Str("state", string(state)).Str("run", r.ID).Logger()
	log.Info().Msg("run started")

	err := fn(&r, log)
	r.Duration = time.Since(r.Started)
	s.stats.RecordRun(err != nil)
	if state == StateInit && err == nil {
		s.stats.RecordInit()
	}

	if s.journal != nil {
		rec := storage.RunRecord{
			ID:         r.ID,
			Table:      r.Table,
			State:      string(r.State),
			Rows:       r.Rows,
			Batches:    r.Batches,
			Buckets:    r.Buckets,
			Checkpoint: string(r.Checkpoint),
			Started:    r.Started,
			Duration:   r.Duration,
		}
		if err != nil {
			rec.Error = err.Error()
		}
		if jerr := s.journal.Record(ctx, rec); jerr != nil {
			log.Warn().Err(jerr).Msg("journal write failed")
		}
	}

	if err != nil {
		log.Error().Err(err).Dur("took", r.Duration).Msg("run failed")
		return r, err
	}
	log.Info().
		Str("rows", humanize.Comma(r.Rows)).
		Int("batches", r.Batches).
		Int("buckets", r.Buckets).
		Int("removed", r.Removed).
		Str("checkpoint", string(r.Checkpoint)).
		Dur("took", r.Duration).
		Msg("run finished")
	return r, nil
}

func (s *Synchronizer) sweep(ctx context.Context, table string) {
	sw, ok := s.store.(storage.Sweeper)
	if !ok {
		return
	}
	n, err := sw.Sweep(ctx, table, checkpoint.Name(table))
	if err != nil {
		s.logger.Warn().Err(err).Msg("temp file sweep failed")
		return
	}
	if n > 0 {
		s.logger.Info().Str("table", table).Int("files", n).Msg("swept stale temp files")
	}
}

// buckets lists the bucket ids currently published for t.
func (s *Synchronizer) buckets(ctx context.Context, t config.TableConfig) ([]int64, error) {
	names, err := s.store.List(ctx, t.Name)
	if err != nil {
		return nil, fmt.Errorf("core: list buckets of %s: %w", t.Name, err)
	}
	var ids []int64
	for _, n := range names {
		if id, ok := bucket.ParseFileName(n); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func mergeSpec(t config.TableConfig) merge.Spec {
	return merge.Spec{PrimaryKey: t.PrimaryKey, OrderColumn: t.SequenceColumn, OperationColumn: t.OperationColumn}
}

// streamColumns is the projection of the change stream; it always carries the
// sequence and, for change logs, the operation column.
func streamColumns(t config.TableConfig) []string {
	if len(t.Columns) == 0 {
		return nil
	}
	cols := append([]string(nil), t.Columns...)
	if common.ColumnIndex(cols, t.SequenceColumn) < 0 {
		cols = append(cols, t.SequenceColumn)
	}
	if t.OperationColumn != "" && common.ColumnIndex(cols, t.OperationColumn) < 0 {
		cols = append(cols, t.OperationColumn)
	}
	return cols
}

// snapshotQuery returns the projection used when copying the table itself. In the
// change-log model the captured sequence and operation 1 ride along as constants.
func snapshotQuery(t config.TableConfig, codec watermark.Codec, captured watermark.Token) ([]string, []source.Constant) {
	if t.Model != config.ModelChangelog {
		return streamColumns(t), nil
	}
	var cols []string
	for _, c := range t.Columns {
		if strings.EqualFold(c, t.SequenceColumn) || strings.EqualFold(c, t.OperationColumn) {
			continue
		}
		cols = append(cols, c)
	}
	return cols, []source.Constant{
		{Name: t.SequenceColumn, Value: codec.Arg(captured)},
		{Name: t.OperationColumn, Value: int64(1)},
	}
}

func (s *Synchronizer) initTable(ctx context.Context, t config.TableConfig, prior []int64, opts RunOptions, r *Report, log zerolog.Logger) error {
	codec, err := watermark.ForKind(watermark.Kind(t.SequenceKind))
	if err != nil {
		return err
	}
	router, err := bucket.NewRouter(t.ChunkSize)
	if err != nil {
		return err
	}

	// Captured before the scan so changes racing with it are replayed by SYNC.
	captured := codec.Zero()
	maxSeq, err := s.src.Max(ctx, t.StreamTable(), t.SequenceColumn)
	if err != nil {
		return err
	}
	if maxSeq != nil {
		if captured, err = codec.FromValue(maxSeq); err != nil {
			return fmt.Errorf("core: captured sequence: %w", err)
		}
	}
	log.Info().Str("captured", string(captured)).Bool("reinit", opts.Reinit).Str("strategy", t.Strategy).Msg("initializing")

	cols, consts := snapshotQuery(t, codec, captured)
	written := make(map[int64]bool)
	if t.Strategy == config.StrategyQuantile {
		err = s.initQuantile(ctx, t, router, cols, consts, written, r, log)
	} else {
		err = s.initWindows(ctx, t, cols, consts, written, r, log)
	}
	if err != nil {
		return err
	}

	for _, id := range prior {
		if written[id] {
			continue
		}
		if err := s.store.Remove(ctx, bucket.Path(t.Name, id)); err != nil {
			return err
		}
		r.Removed++
		log.Info().Int64("bucket", id).Msg("removed stale bucket")
	}

	if err := s.checkpoints.Reset(ctx, t.Name, captured); err != nil {
		return err
	}
	r.Checkpoint = captured
	return nil
}

func (s *Synchronizer) initWindows(ctx context.Context, t config.TableConfig, cols []string, consts []source.Constant, written map[int64]bool, r *Report, log zerolog.Logger) error {
	min, max, err := s.src.Bounds(ctx, t.Name, t.PrimaryKey)
	if err != nil {
		return err
	}
	if min == nil || max == nil {
		log.Info().Msg("table is empty")
		return nil
	}
	lo, err := common.AsKey(min)
	if err != nil {
		return fmt.Errorf("core: min key: %w", err)
	}
	hi, err := common.AsKey(max)
	if err != nil {
		return fmt.Errorf("core: max key: %w", err)
	}
	windows, err := partition.Windows(lo, hi, t.ChunkSize)
	if err != nil {
		return err
	}

	spec := mergeSpec(t)
	for _, w := range windows {
		rows, err := s.src.Select(ctx, source.SelectQuery{
			Table:     t.Name,
			Columns:   cols,
			Constants: consts,
			Column:    t.PrimaryKey,
			Range:     w,
			OrderBy:   t.PrimaryKey,
		})
		if err != nil {
			return err
		}
		if rows.Len() == 0 {
			continue
		}
		id := bucket.ID(common.KeyType(w.Start.(int64)), t.ChunkSize)
		res, err := s.writer.Replace(ctx, bucket.Path(t.Name, id), rows, spec)
		if err != nil {
			return err
		}
		written[id] = true
		r.Rows += int64(rows.Len())
		r.Buckets++
		s.stats.RecordRows(rows.Len())
		s.stats.RecordBucketWrite()
		log.Info().Int64("bucket", id).Stringer("window", w).Str("rows", humanize.Comma(int64(res.Rows))).Msg("window written")
	}
	return nil
}

func (s *Synchronizer) initQuantile(ctx context.Context, t config.TableConfig, router *bucket.Router, cols []string, consts []source.Constant, written map[int64]bool, r *Report, log zerolog.Logger) error {
	part := partition.New(s.src, partition.WithLogger(log))
	spec := mergeSpec(t)
	var after any
	for {
		ranges, err := part.Ranges(ctx, partition.Query{
			Table:      t.Name,
			Column:     t.PrimaryKey,
			After:      after,
			Limit:      t.BatchLimit,
			Partitions: t.Partitions,
		})
		if err != nil {
			return err
		}
		if len(ranges) == 0 {
			return nil
		}

		page := &common.Batch{}
		for _, rg := range ranges {
			rows, err := s.src.Select(ctx, source.SelectQuery{
				Table:     t.Name,
				Columns:   cols,
				Constants: consts,
				Column:    t.PrimaryKey,
				Range:     rg,
				OrderBy:   t.PrimaryKey,
			})
			if err != nil {
				return err
			}
			if err := page.Append(rows); err != nil {
				return err
			}
		}

		groups, ids, err := router.Route(page, t.PrimaryKey)
		if err != nil {
			return err
		}
		for _, id := range ids {
			name := bucket.Path(t.Name, id)
			var res merge.Result
			if written[id] {
				res, err = s.writer.Merge(ctx, name, groups[id], spec)
			} else {
				res, err = s.writer.Replace(ctx, name, groups[id], spec)
				r.Buckets++
			}
			if err != nil {
				return err
			}
			written[id] = true
			s.stats.RecordBucketWrite()
			log.Debug().Int64("bucket", id).Int("rows", res.Rows).Msg("bucket page written")
		}
		r.Rows += int64(page.Len())
		r.Batches++
		s.stats.RecordRows(page.Len())
		log.Info().Int("ranges", len(ranges)).Str("rows", humanize.Comma(int64(page.Len()))).Msg("key page written")
		after = ranges[len(ranges)-1].End
	}
}

func (s *Synchronizer) syncTable(ctx context.Context, t config.TableConfig, r *Report, log zerolog.Logger) error {
	codec, err := watermark.ForKind(watermark.Kind(t.SequenceKind))
	if err != nil {
		return err
	}
	router, err := bucket.NewRouter(t.ChunkSize)
	if err != nil {
		return err
	}
	state, err := s.checkpoints.Read(ctx, t.Name, codec)
	if err != nil {
		return err
	}
	r.Checkpoint = state.LastSequence

	reader, err := changes.NewReader(s.src, changes.Config{
		Table:      t.StreamTable(),
		Sequence:   t.SequenceColumn,
		Columns:    streamColumns(t),
		Codec:      codec,
		Limit:      t.BatchLimit,
		Partitions: t.Partitions,
	}, changes.WithLogger(log))
	if err != nil {
		return err
	}

	spec := mergeSpec(t)
	touched := make(map[int64]bool)
	it := reader.Scan(state.LastSequence)
	for (s.syncCfg.MaxBatches == 0 || r.Batches < s.syncCfg.MaxBatches) && it.Next(ctx) {
		b := it.Batch()
		groups, ids, err := router.Route(b.Batch, t.PrimaryKey)
		if err != nil {
			return err
		}
		for _, id := range ids {
			res, err := s.writer.Merge(ctx, bucket.Path(t.Name, id), groups[id], spec)
			if err != nil {
				return err
			}
			touched[id] = true
			s.stats.RecordBucketWrite()
			log.Debug().
				Int64("bucket", id).
				Int("rows", res.Rows).
				Int("inserted", res.Inserted).
				Int("updated", res.Updated).
				Int("deleted", res.Deleted).
				Msg("bucket merged")
		}
		// Only after every bucket of the batch is published.
		if err := s.checkpoints.Write(ctx, t.Name, codec, b.Max); err != nil {
			return err
		}
		r.Checkpoint = b.Max
		r.Rows += int64(b.Len())
		r.Batches++
		s.stats.RecordBatch(b.Len())
		log.Info().
			Str("rows", humanize.Comma(int64(b.Len()))).
			Int("buckets", len(ids)).
			Str("checkpoint", string(b.Max)).
			Msg("batch applied")
	}
	if err := it.Err(); err != nil {
		return err
	}
	r.Buckets = len(touched)
	if r.Batches == 0 {
		log.Info().Msg("no pending changes")
	}
	return nil
}
