package commands

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/pagefs/internal/logger"
	"github.com/marmos91/pagefs/internal/telemetry"
	"github.com/marmos91/pagefs/pkg/bufpool"
	"github.com/marmos91/pagefs/pkg/config"
	"github.com/marmos91/pagefs/pkg/metrics"
	"github.com/marmos91/pagefs/pkg/pager"
	"github.com/marmos91/pagefs/pkg/vmem"
	"github.com/spf13/cobra"

	// Import prometheus metrics to register init() functions
	_ "github.com/marmos91/pagefs/pkg/metrics/prometheus"
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Drive a fault storm against an in-process volume pager",
	Long: `Bench creates a volume pager, registers synthetic file nodes backed by
demand-paged memory objects, and drives concurrent random reads through
client duplicates so every access is served by the fault path. It reports
fault throughput and latency when done.`,
	RunE: runBench,
}

func runBench(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	if err := logger.Init(cfg.LoggerConfig()); err != nil {
		return err
	}

	ctx := context.Background()

	shutdownTracing, err := telemetry.Init(ctx, cfg.TelemetryConfigFor("pagefs-bench", Version))
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	shutdownProfiling, err := telemetry.InitProfiling(cfg.ProfilingConfigFor("pagefs-bench", Version))
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() { _ = shutdownProfiling() }()

	var pm metrics.PagerMetrics
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		pm = metrics.NewPagerMetrics()
		go serveMetrics(cfg.Metrics.Listen)
	}

	p, err := pager.New(pager.Config{
		ZeroBufferSize: cfg.Pager.ZeroBufferSize.Uint64(),
		Metrics:        pm,
	})
	if err != nil {
		return fmt.Errorf("failed to create pager: %w", err)
	}

	logger.Info("Starting fault storm",
		"files", cfg.Bench.Files,
		"object_size", cfg.Bench.ObjectSize.String(),
		"fault_size", cfg.Bench.FaultSize.String(),
		"faults", cfg.Bench.Faults,
		"workers", cfg.Bench.Workers)

	ctx, span := telemetry.StartSpan(ctx, "bench.fault_storm")
	defer span.End()

	children, files, err := setupFiles(ctx, p, cfg)
	if err != nil {
		p.Terminate()
		p.Close()
		return err
	}

	stats := driveFaults(ctx, cfg, children)

	// Drop all client duplicates; each file's zero-children watch fires
	// and the pager downgrades the registrations.
	for _, c := range children {
		_ = c.Close()
	}
	stats.downgraded = waitForDowngrades(files)

	p.Terminate()
	p.Close()

	logger.Info("Fault storm complete",
		"faults", stats.faults,
		"bytes", stats.bytes,
		"elapsed_ms", stats.elapsed.Milliseconds(),
		"faults_per_sec", fmt.Sprintf("%.0f", float64(stats.faults)/stats.elapsed.Seconds()),
		"downgraded_files", stats.downgraded)
	return nil
}

// serveMetrics exposes the Prometheus registry over HTTP.
func serveMetrics(listen string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	logger.Info("Serving metrics", "listen", listen)
	if err := http.ListenAndServe(listen, mux); err != nil {
		logger.Error("Metrics server failed", logger.KeyError, err.Error())
	}
}

// setupFiles creates, registers and starts servicing one synthetic file
// node per configured file, returning a client duplicate for each.
func setupFiles(ctx context.Context, p *pager.Pager, cfg *config.Config) ([]*vmem.Child, []*benchFile, error) {
	children := make([]*vmem.Child, 0, cfg.Bench.Files)
	files := make([]*benchFile, 0, cfg.Bench.Files)

	for i := 0; i < cfg.Bench.Files; i++ {
		id := uint64(i + 1)

		spanCtx, span := telemetry.StartPagerSpan(ctx, "register", id)
		child, f, err := setupFile(p, cfg, id)
		if err != nil {
			telemetry.RecordError(spanCtx, err)
			span.End()
			return nil, nil, err
		}
		span.End()

		children = append(children, child)
		files = append(files, f)
	}
	return children, files, nil
}

func setupFile(p *pager.Pager, cfg *config.Config, id uint64) (*vmem.Child, *benchFile, error) {
	vmo, err := p.CreateVMO(id, cfg.Bench.ObjectSize.Uint64())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create object %d: %w", id, err)
	}

	f := &benchFile{id: id, vmo: vmo, pager: p}
	p.RegisterFile(f)

	child, err := vmo.CreateChild()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to duplicate object %d: %w", id, err)
	}

	if _, err := p.StartServicing(id); err != nil {
		return nil, nil, err
	}
	return child, f, nil
}

type benchStats struct {
	faults     uint64
	bytes      uint64
	elapsed    time.Duration
	downgraded int
}

// driveFaults runs the configured workers, each reading random aligned
// ranges through random client duplicates until the fault budget or the
// configured duration is spent.
func driveFaults(ctx context.Context, cfg *config.Config, children []*vmem.Child) benchStats {
	var (
		wg       sync.WaitGroup
		faults   atomic.Uint64
		bytes    atomic.Uint64
		deadline time.Time
	)
	if cfg.Bench.Duration > 0 {
		deadline = time.Now().Add(cfg.Bench.Duration)
	}

	faultSize := cfg.Bench.FaultSize.Uint64()
	objectSize := cfg.Bench.ObjectSize.Uint64()
	perWorker := cfg.Bench.Faults / cfg.Bench.Workers

	start := time.Now()
	for w := 0; w < cfg.Bench.Workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			buf := make([]byte, faultSize)

			for i := 0; i < perWorker; i++ {
				if !deadline.IsZero() && time.Now().After(deadline) {
					return
				}
				child := children[rng.Intn(len(children))]
				maxOff := (objectSize - faultSize) / vmem.PageSize
				off := uint64(rng.Int63n(int64(maxOff+1))) * vmem.PageSize

				n, err := child.ReadAt(buf, int64(off))
				if err != nil {
					logger.Warn("Bench read failed",
						logger.KeyRangeStart, off, logger.KeyError, err.Error())
					continue
				}
				faults.Add(1)
				bytes.Add(uint64(n))
			}
		}(int64(w) + time.Now().UnixNano())
	}
	wg.Wait()

	return benchStats{
		faults:  faults.Load(),
		bytes:   bytes.Load(),
		elapsed: time.Since(start),
	}
}

// waitForDowngrades polls until every file saw its zero-children callback
// or a short grace period expires (the signals are processed by the worker
// thread asynchronously).
func waitForDowngrades(files []*benchFile) int {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		done := 0
		for _, f := range files {
			if f.zeroChildren.Load() {
				done++
			}
		}
		if done == len(files) {
			return done
		}
		time.Sleep(10 * time.Millisecond)
	}

	done := 0
	for _, f := range files {
		if f.zeroChildren.Load() {
			done++
		}
	}
	if done < len(files) {
		fmt.Fprintf(os.Stderr, "warning: only %d/%d files saw zero-children\n", done, len(files))
	}
	return done
}

// benchFile is a synthetic file node whose content is a deterministic
// pattern derived from the object ID and offset, generated on demand in
// the page-in path.
type benchFile struct {
	id           uint64
	vmo          *vmem.VMO
	pager        *pager.Pager
	zeroChildren atomic.Bool
}

func (f *benchFile) ObjectID() uint64 { return f.id }

func (f *benchFile) VMO() *vmem.VMO { return f.vmo }

func (f *benchFile) Alive() bool { return true }

// PageIn stages the pattern for the faulted range in a scratch object and
// supplies it into the file's VMO.
func (f *benchFile) PageIn(r vmem.Range) {
	staging, err := vmem.NewVMO(r.Len())
	if err != nil {
		logger.Error("Failed to stage page-in",
			logger.KeyObjectID, f.id, logger.KeyError, err.Error())
		return
	}
	defer func() { _ = staging.Close() }()

	buf := bufpool.Get(int(r.Len()))
	defer bufpool.Put(buf)
	for i := range buf {
		buf[i] = byte(f.id + r.Start + uint64(i))
	}
	if _, err := staging.WriteAt(buf, 0); err != nil {
		logger.Error("Failed to fill staging buffer",
			logger.KeyObjectID, f.id, logger.KeyError, err.Error())
		return
	}

	f.pager.SupplyPages(f.vmo, r, staging, 0)
}

func (f *benchFile) OnZeroChildren() {
	f.zeroChildren.Store(true)
}
