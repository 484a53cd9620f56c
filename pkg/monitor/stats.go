package monitor

import (
	"sync/atomic"
)

type SyncStats struct {
	RunCount     uint64
	FailureCount uint64
	InitCount    uint64
	BatchCount   uint64
	RowCount     uint64
	BucketWrites uint64
}

// Snapshot is a copy of the counters for reporting.
type Snapshot struct {
	Runs         uint64  `json:"runs"`
	Failures     uint64  `json:"failures"`
	Inits        uint64  `json:"inits"`
	Batches      uint64  `json:"batches"`
	Rows         uint64  `json:"rows"`
	BucketWrites uint64  `json:"bucket_writes"`
	FailureRatio float64 `json:"failure_ratio"`
}

func NewSyncStats() *SyncStats {
	return &SyncStats{}
}

func (s *SyncStats) RecordRun(failed bool) {
	atomic.AddUint64(&s.RunCount, 1)
	if failed {
		atomic.AddUint64(&s.FailureCount, 1)
	}
}

func (s *SyncStats) RecordInit() {
	atomic.AddUint64(&s.InitCount, 1)
}

func (s *SyncStats) RecordBatch(rows int) {
	atomic.AddUint64(&s.BatchCount, 1)
	atomic.AddUint64(&s.RowCount, uint64(rows))
}

func (s *SyncStats) RecordRows(rows int) {
	atomic.AddUint64(&s.RowCount, uint64(rows))
}

func (s *SyncStats) RecordBucketWrite() {
	atomic.AddUint64(&s.BucketWrites, 1)
}

func (s *SyncStats) GetFailureRatio() float64 {
	runs := atomic.LoadUint64(&s.RunCount)
	if runs == 0 {
		return 0.0
	}
	return float64(atomic.LoadUint64(&s.FailureCount)) / float64(runs)
}

func (s *SyncStats) Snapshot() Snapshot {
	return Snapshot{
		Runs:         atomic.LoadUint64(&s.RunCount),
		Failures:     atomic.LoadUint64(&s.FailureCount),
		Inits:        atomic.LoadUint64(&s.InitCount),
		Batches:      atomic.LoadUint64(&s.BatchCount),
		Rows:         atomic.LoadUint64(&s.RowCount),
		BucketWrites: atomic.LoadUint64(&s.BucketWrites),
		FailureRatio: s.GetFailureRatio(),
	}
}
