package main

import (
	"flag"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scoutdb/scout/core/batcher"
	"github.com/scoutdb/scout/core/common"
	"github.com/scoutdb/scout/core/hybrid"
	"github.com/scoutdb/scout/core/indexmap"
	"github.com/scoutdb/scout/core/logging"
	"github.com/scoutdb/scout/core/metrics"
	"github.com/scoutdb/scout/core/processor"
	"github.com/scoutdb/scout/core/scheduler"
	"github.com/scoutdb/scout/core/search"
	"github.com/scoutdb/scout/core/task"
	"github.com/scoutdb/scout/core/taskqueue"
)

func main() {
	logging.Infof("scoutd started with command line: %v", os.Args)

	fset := flag.NewFlagSet("scoutd", flag.ContinueOnError)

	logLevel := fset.String("loglevel", "Info", "Log level - Silent, Error, Warn, Info, Debug, Trace")
	dataRoot := fset.String("dataRoot", "./data.scout", "Root directory for tasks/, indexes/ and auth/")
	metricsPort := fset.String("metricsPort", "9102", "Prometheus metrics HTTP port")
	tickMs := fset.Int("tickMs", 1000, "Scheduler periodic tick interval in milliseconds")
	lruCapacity := fset.Int("indexMapLRU", 64, "Max concurrently open index environments")

	if err := fset.Parse(os.Args[1:]); err != nil {
		logging.Fatalf("parsing flags: %v", err)
	}

	logging.SetLevel(parseLevel(*logLevel))

	cfg := common.DefaultConfig().
		SetValue("dataRoot", *dataRoot).
		SetValue("indexMap.lruCapacity", *lruCapacity)

	if err := os.MkdirAll(*dataRoot, 0o755); err != nil {
		logging.Fatalf("creating data root %s: %v", *dataRoot, err)
	}

	hybrid.SetScoreEpsilon(cfg["hybrid.scoreEpsilon"].Float64())

	reg := prometheus.NewRegistry()
	metricsReg := metrics.New(reg)
	_ = metricsReg

	queue, err := taskqueue.Open(filepath.Join(*dataRoot, "tasks"), cfg)
	if err != nil {
		logging.Fatalf("opening task queue: %v", err)
	}
	defer queue.Close()

	indexMap := indexmap.New(cfg["indexMap.lruCapacity"].Int())

	cancelRequested := new(int32)
	deps := processor.Dependencies{
		Queue:           queue,
		Map:             indexMap,
		Store:           nil, // wired to a concrete keyword/vector index store at the deployment's composition root
		Cfg:             cfg,
		CancelRequested: cancelRequested,
		SnapshotDir:     filepath.Join(*dataRoot, "snapshots"),
		DumpDir:         filepath.Join(*dataRoot, "dumps"),
	}
	proc := processor.New(deps)

	if upgradeErr := reconcileSchemaVersion(*dataRoot, queue); upgradeErr != nil {
		logging.Fatalf("schema version reconciliation: %v", upgradeErr)
	}

	sched := scheduler.New(queue, proc, batcher.LimitsFromConfig(cfg), cancelRequested, time.Duration(*tickMs)*time.Millisecond)

	coordinator := search.New(queue, indexMap, nil, nil, cfg)
	_ = coordinator // wired to a concrete KeywordEngine/VectorEngine at the composition root alongside Store above

	go serveMetrics(*metricsPort, reg)

	done := make(chan struct{})
	go func() {
		sched.Run()
		close(done)
	}()

	waitForShutdownSignal()
	sched.Shutdown()
	<-done

	logging.Infof("scoutd exiting normally")
}

func parseLevel(s string) logging.Level {
	switch s {
	case "Silent":
		return logging.Silent
	case "Error":
		return logging.Error
	case "Warn":
		return logging.Warn
	case "Debug":
		return logging.Debug
	case "Trace":
		return logging.Trace
	default:
		return logging.Info
	}
}

func serveMetrics(port string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(":"+port, mux); err != nil {
		logging.Errorf("metrics server stopped: %v", err)
	}
}

// reconcileSchemaVersion implements spec.md §6's "VERSION file" contract:
// a missing file means a fresh data root, stamped with the running
// binary's version; a mismatched file enqueues an UpgradeDatabase task
// (applied once at startup, idempotent per spec.md §4.C) unless the
// running binary has no upgrade path from the on-disk version, in which
// case startup refuses outright.
func reconcileSchemaVersion(dataRoot string, queue *taskqueue.Store) error {
	current, err := common.ParseVersion(common.SchemaVersion)
	if err != nil {
		return err
	}

	onDisk, exists, err := common.ReadVersionFile(dataRoot)
	if err != nil {
		return err
	}
	if !exists {
		return common.WriteVersionFile(dataRoot, current)
	}
	if onDisk == current {
		return nil
	}
	if onDisk.Major != current.Major {
		return common.NewError(common.CodeSchemaIncompatible, common.UserError, common.FATAL,
			"no upgrade path from on-disk schema "+onDisk.String()+" to "+current.String(), nil)
	}

	logging.Infof("schema version mismatch (on-disk %s, binary %s), enqueuing upgrade", onDisk.String(), current.String())
	if _, err := queue.Enqueue(&task.Task{
		Kind: task.KindUpgradeDatabase,
		Payload: task.Payload{
			UpgradeFrom: onDisk.String(),
			UpgradeTo:   current.String(),
		},
	}); err != nil {
		return err
	}
	return common.WriteVersionFile(dataRoot, current)
}

func waitForShutdownSignal() {
	sig := make(chan os.Signal, 1)
	notifySignals(sig)
	<-sig
}
