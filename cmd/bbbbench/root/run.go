package root

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mrlbrg/bbbtree-go/bbb"
	"github.com/mrlbrg/bbbtree-go/btree"
	"github.com/mrlbrg/bbbtree-go/bufpool"
	"github.com/mrlbrg/bbbtree-go/pageio"
)

const (
	baseSegmentID  pageio.SegmentID = 1
	deltaSegmentID pageio.SegmentID = 2
)

type runOptions struct {
	mode      string
	pageSize  uint32
	frames    int
	omega     float64
	numKeys   int
	csvPath   string
	inMemory  bool
	dataDir   string
	keySpread int
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "run an insert/lookup workload and report telemetry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBenchmark(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.mode, "mode", "bbb", `index under test: "bbb" or "plain"`)
	flags.Uint32Var(&opts.pageSize, "page-size", 4096, "page size in bytes")
	flags.IntVar(&opts.frames, "frames", 64, "buffer pool frame count")
	flags.Float64Var(&opts.omega, "omega", 0.5, "BBB-tree write-amplification threshold (mode=bbb only)")
	flags.IntVar(&opts.numKeys, "n", 10000, "number of synthetic keys to insert when --csv is not given")
	flags.StringVar(&opts.csvPath, "csv", "", "CSV file of key,value pairs to load instead of the synthetic workload")
	flags.BoolVar(&opts.inMemory, "in-memory", true, "use an in-memory segment store instead of disk")
	flags.StringVar(&opts.dataDir, "data-dir", "", "segment file directory (ignored when --in-memory)")
	flags.IntVar(&opts.keySpread, "key-spread", 1_000_000, "synthetic keys are drawn uniformly from [0, key-spread)")

	return cmd
}

// index is the subset of btree.Tree's and bbb.Tree's API the benchmark
// drives; satisfied by both so --mode can switch without duplicating the
// workload loop.
type index interface {
	Lookup(key []byte) ([]byte, bool, error)
	Insert(key, value []byte) error
	Height() int
}

func runBenchmark(cmd *cobra.Command, opts *runOptions) error {
	log := logrus.WithField("component", "bbbbench")

	if opts.inMemory {
		log.WithField("page_size", opts.pageSize).Debug("using in-memory segment store")
	} else if opts.dataDir == "" {
		return fmt.Errorf("bbbbench: --data-dir is required when --in-memory=false")
	}

	var store pageio.Store
	if opts.inMemory {
		store = pageio.NewMemStore(opts.pageSize)
	} else {
		store = pageio.NewFileStore(opts.dataDir, opts.pageSize, true)
	}

	stats := bufpool.NewStats()
	pool := bufpool.Open(store, opts.pageSize, opts.frames, stats, bufpool.WithLogger(log))

	var idx index
	switch opts.mode {
	case "bbb":
		tr, err := bbb.Create(pool, baseSegmentID, deltaSegmentID, opts.omega, stats, bbb.WithLogger(log))
		if err != nil {
			return fmt.Errorf("bbbbench: bbb.Create: %w", err)
		}
		idx = tr
	case "plain":
		tr, err := btree.Create(pool, baseSegmentID, bufpool.DefaultPageLogic{}, btree.WithStats(stats))
		if err != nil {
			return fmt.Errorf("bbbbench: btree.Create: %w", err)
		}
		idx = tr
	default:
		return fmt.Errorf("bbbbench: unknown --mode %q (want bbb or plain)", opts.mode)
	}

	keys, values, err := loadWorkload(opts)
	if err != nil {
		return err
	}

	insertStart := time.Now()
	for i := range keys {
		if err := idx.Insert(keys[i], values[i]); err != nil {
			return fmt.Errorf("bbbbench: insert %q: %w", keys[i], err)
		}
	}
	insertElapsed := time.Since(insertStart)

	lookupStart := time.Now()
	hits := 0
	for i := range keys {
		_, ok, err := idx.Lookup(keys[i])
		if err != nil {
			return fmt.Errorf("bbbbench: lookup %q: %w", keys[i], err)
		}
		if ok {
			hits++
		}
	}
	lookupElapsed := time.Since(lookupStart)

	printReport(cmd.OutOrStdout(), opts, len(keys), idx.Height(), hits, insertElapsed, lookupElapsed, stats)
	return nil
}

func loadWorkload(opts *runOptions) (keys, values [][]byte, err error) {
	if opts.csvPath == "" {
		return syntheticWorkload(opts.numKeys, opts.keySpread), syntheticValues(opts.numKeys), nil
	}
	return loadCSV(opts.csvPath)
}

func syntheticWorkload(n, spread int) [][]byte {
	r := rand.New(rand.NewSource(1))
	seen := make(map[int]struct{}, n)
	keys := make([][]byte, 0, n)
	for len(keys) < n {
		k := r.Intn(spread)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, []byte(fmt.Sprintf("k%09d", k)))
	}
	return keys
}

func syntheticValues(n int) [][]byte {
	values := make([][]byte, n)
	for i := range values {
		values[i] = []byte(fmt.Sprintf("v%d", i))
	}
	return values
}

// loadCSV reads an unheadered CSV of key,value rows.
func loadCSV(path string) (keys, values [][]byte, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("bbbbench: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(bufio.NewReader(f))
	r.FieldsPerRecord = 2
	for {
		record, readErr := r.Read()
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, nil, fmt.Errorf("bbbbench: read %s: %w", path, readErr)
		}
		keys = append(keys, []byte(record[0]))
		values = append(values, []byte(record[1]))
	}
	return keys, values, nil
}

func printReport(w io.Writer, opts *runOptions, n, height, hits int, insertElapsed, lookupElapsed time.Duration, stats *bufpool.Stats) {
	fmt.Fprintf(w, "mode=%s keys=%d height=%d hits=%d/%d\n", opts.mode, n, height, hits, n)
	fmt.Fprintf(w, "insert: %s (%.0f ops/s)\n", insertElapsed, float64(n)/insertElapsed.Seconds())
	fmt.Fprintf(w, "lookup: %s (%.0f ops/s)\n", lookupElapsed, float64(n)/lookupElapsed.Seconds())
	fmt.Fprintf(w, "leaf_splits=%d inner_splits=%d\n", stats.LeafNodeSplits, stats.InnerNodeSplits)
	fmt.Fprintf(w, "pages_created=%d pages_evicted=%d pages_written=%d pages_write_deferred=%d\n",
		stats.PagesCreated, stats.PagesEvicted, stats.PagesWritten, stats.PagesWriteDeferred)
	fmt.Fprintf(w, "bytes_written_logically=%d bytes_written_physically=%d\n",
		stats.BytesWrittenLogically, stats.BytesWrittenPhysically)
}
