// Package workflow wires the integrity pipeline of one node: intake,
// structural validation, application validation, integration, publishing
// and dependency fetching, plus authoring onto the node's own chain.
//
// Each stage is a workflow run by an engine.Consumer. Stages hand work to
// each other only through limbo rows in the store and fire the next
// stage's trigger on progress:
//
//	intake -> sys -> app -> integrate -> publish
//	                   \-> fetch -/
//
// Run drives every consumer concurrently. Drain runs them synchronously
// until nothing moves, which tests and the scenario harness use for
// deterministic results.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/dhtcore/internal/apphost"
	"github.com/roach88/dhtcore/internal/cache"
	"github.com/roach88/dhtcore/internal/chainlock"
	"github.com/roach88/dhtcore/internal/engine"
	"github.com/roach88/dhtcore/internal/ir"
	"github.com/roach88/dhtcore/internal/keystore"
	"github.com/roach88/dhtcore/internal/manifest"
	"github.com/roach88/dhtcore/internal/metrics"
	"github.com/roach88/dhtcore/internal/network"
	"github.com/roach88/dhtcore/internal/store"
	"github.com/roach88/dhtcore/internal/sysvalidate"
)

var _ network.Handler = (*Node)(nil)

// maxDrainRounds bounds Drain so a workflow that reports progress forever
// surfaces as an error instead of a hang.
const maxDrainRounds = 10_000

// Config assembles a node. Signer and Store are required; every other
// field has a usable zero value.
type Config struct {
	Signer   keystore.Signer
	Store    *store.Store
	Cache    *cache.Cache
	Manifest *manifest.Manifest
	// Host defaults to apphost.AcceptHost.
	Host      apphost.Host
	Transport network.Transport
	Fetcher   network.Fetcher
	// Responsibility defaults to network.FullResponsibility.
	Responsibility network.Responsibility
	// Locker defaults to a chainlock.SQLLocker on Store.
	Locker   chainlock.Locker
	Clock    engine.Clock
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Settings Settings
}

// Node is one agent's integrity pipeline.
type Node struct {
	store    *store.Store
	signer   keystore.Signer
	settings Settings
	log      *slog.Logger
	metrics  *metrics.Metrics
	deps     localDeps

	intake      *Intake
	author      *Author
	countersign *Countersign
	fetchQueue  *FetchQueue

	publish   *engine.Trigger
	triggers  []*engine.Trigger
	consumers []*engine.Consumer
}

// New builds a node from cfg.
func New(cfg Config) (*Node, error) {
	if cfg.Signer == nil {
		return nil, errors.New("workflow: signer is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("workflow: store is required")
	}
	if cfg.Host == nil {
		cfg.Host = apphost.AcceptHost{}
	}
	if cfg.Responsibility == nil {
		cfg.Responsibility = network.FullResponsibility
	}
	if cfg.Clock == nil {
		cfg.Clock = engine.NewMonotonicClock(engine.SystemClock{})
	}
	if cfg.Locker == nil {
		cfg.Locker = chainlock.NewSQLLocker(cfg.Store, cfg.Clock)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "workflow", "agent", ir.Short(cfg.Signer.Agent()))
	}
	settings := cfg.Settings.withDefaults()

	sysT := engine.NewTrigger("sys_validation")
	appT := engine.NewTrigger("app_validation")
	integrateT := engine.NewTrigger("integrate")
	publishT := engine.NewTrigger("publish")
	fetchT := engine.NewTrigger("fetch")

	deps := localDeps{store: cfg.Store, cache: cfg.Cache}
	validator := sysvalidate.New(deps, cfg.Manifest)
	queue := newFetchQueue(fetchT)
	log := cfg.Logger

	intake := &Intake{
		store:   cfg.Store,
		resp:    cfg.Responsibility,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
		log:     log.With("workflow", "intake"),
		next:    sysT,
	}
	warrants := &Warrants{
		signer:  cfg.Signer,
		store:   cfg.Store,
		intake:  intake,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
		log:     log.With("workflow", "warrants"),
		publish: publishT,
	}
	author := &Author{
		signer:    cfg.Signer,
		store:     cfg.Store,
		deps:      deps,
		validator: validator,
		host:      cfg.Host,
		locker:    cfg.Locker,
		intake:    intake,
		clock:     cfg.Clock,
		log:       log.With("workflow", "author"),
		publish:   publishT,
	}

	sys := &SysValidation{
		store:     cfg.Store,
		resp:      cfg.Responsibility,
		validator: validator,
		warrants:  warrants,
		fetch:     queue,
		clock:     cfg.Clock,
		metrics:   cfg.Metrics,
		settings:  settings,
		log:       log.With("workflow", "sys_validation"),
	}
	app := &AppValidation{
		store:    cfg.Store,
		resp:     cfg.Responsibility,
		host:     cfg.Host,
		warrants: warrants,
		fetch:    queue,
		clock:    cfg.Clock,
		metrics:  cfg.Metrics,
		settings: settings,
		log:      log.With("workflow", "app_validation"),
	}
	integrate := &Integrate{
		signer:    cfg.Signer,
		store:     cfg.Store,
		cache:     cfg.Cache,
		transport: cfg.Transport,
		warrants:  warrants,
		locks:     newKeyedMutex(),
		clock:     cfg.Clock,
		metrics:   cfg.Metrics,
		settings:  settings,
		log:       log.With("workflow", "integrate"),
	}
	publish := &Publish{
		store:     cfg.Store,
		transport: cfg.Transport,
		resp:      cfg.Responsibility,
		limiter:   rate.NewLimiter(settings.PublishRate, settings.PublishBurst),
		clock:     cfg.Clock,
		metrics:   cfg.Metrics,
		settings:  settings,
		log:       log.With("workflow", "publish"),
	}
	fetch := &Fetch{
		queue:   queue,
		fetcher: cfg.Fetcher,
		cache:   cfg.Cache,
		deps:    deps,
		batch:   settings.FetchBatchSize,
		log:     log.With("workflow", "fetch"),
	}

	n := &Node{
		store:       cfg.Store,
		signer:      cfg.Signer,
		settings:    settings,
		log:         log,
		metrics:     cfg.Metrics,
		deps:        deps,
		intake:      intake,
		author:      author,
		countersign: &Countersign{author: author, ttl: settings.SessionTTL},
		fetchQueue:  queue,
		publish:     publishT,
		triggers:    []*engine.Trigger{sysT, appT, integrateT, publishT, fetchT},
	}
	// Integration wakes sys validation too: warrants wait on the local
	// verdict of the action they accuse.
	n.consumers = []*engine.Consumer{
		n.consumer("sys_validation", sysT, sys.Run, appT, integrateT),
		n.consumer("app_validation", appT, app.Run, integrateT),
		n.consumer("integrate", integrateT, integrate.Run, publishT, sysT),
		n.consumer("publish", publishT, publish.Run),
		n.consumer("fetch", fetchT, fetch.Run, sysT, appT),
	}
	return n, nil
}

func (n *Node) consumer(name string, t *engine.Trigger, work engine.WorkFunc, downstream ...*engine.Trigger) *engine.Consumer {
	timed := func(ctx context.Context) (engine.WorkResult, error) {
		start := time.Now()
		res, err := work(ctx)
		n.metrics.ObserveRun(ctx, name, time.Since(start))
		return res, err
	}
	return engine.NewConsumer(name, t, timed,
		engine.WithDownstream(downstream...),
		engine.WithLogger(n.log.With("workflow", name)),
	)
}

// Agent returns the node's agent key.
func (n *Node) Agent() ir.AgentKey {
	return n.signer.Agent()
}

// Store returns the node's store.
func (n *Node) Store() *store.Store {
	return n.store
}

// Intake returns the node's intake gate.
func (n *Node) Intake() *Intake {
	return n.intake
}

// Author returns the node's chain author.
func (n *Node) Author() *Author {
	return n.author
}

// Countersign returns the node's countersigning coordinator.
func (n *Node) Countersign() *Countersign {
	return n.countersign
}

// PendingFetches returns how many dependency hashes are queued for fetching.
func (n *Node) PendingFetches() int {
	return n.fetchQueue.Len()
}

// Republish wakes the publish workflow. Callers tick it periodically so
// authored ops short of receipts are sent again once their minimum
// publish interval has passed.
func (n *Node) Republish() {
	n.publish.Fire()
}

// Run runs every workflow until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	n.log.Info("Node starting", "workflows", len(n.consumers))
	defer n.log.Info("Node stopped")
	return engine.RunAll(ctx, n.consumers...)
}

// Drain runs every workflow in pipeline order, repeatedly, until a full
// round makes no progress. Ops waiting on dependencies that nobody can
// supply stay in limbo.
func (n *Node) Drain(ctx context.Context) error {
	for round := 0; round < maxDrainRounds; round++ {
		progressed := false
		for _, c := range n.consumers {
			res, err := c.RunOnce(ctx)
			if err != nil {
				return fmt.Errorf("drain %s: %w", c.Name(), err)
			}
			if res.Progressed {
				progressed = true
			}
		}
		if !progressed {
			return nil
		}
	}
	return fmt.Errorf("drain: still progressing after %d rounds", maxDrainRounds)
}

// Close stops the workflow triggers. Run returns once every consumer has
// observed the close.
func (n *Node) Close() {
	for _, t := range n.triggers {
		t.Close()
	}
}

// HandleOps implements network.Handler.
func (n *Node) HandleOps(ctx context.Context, ops []ir.ClaimedOp) error {
	_, err := n.intake.Admit(ctx, ops, true)
	return err
}

// HandleReceipt implements network.Handler.
func (n *Node) HandleReceipt(ctx context.Context, r ir.SignedReceipt) error {
	if !keystore.VerifyReceipt(r) {
		n.metrics.Receipt(ctx, "forged")
		return fmt.Errorf("receipt for %s from %s does not verify", ir.Short(r.Receipt.OpHash), ir.Short(r.Receipt.Validator))
	}
	complete, err := n.store.RecordReceipt(ctx, r, n.settings.RequiredReceipts)
	if err != nil {
		return err
	}
	n.metrics.Receipt(ctx, "received")
	if complete {
		n.log.Debug("Op receipt-complete", "op", ir.Short(r.Receipt.OpHash))
	}
	return nil
}

// ServeRecords implements network.Handler. Actions are served whatever
// their validity, since requesters use them as validation dependencies;
// entries are served only when public.
func (n *Node) ServeRecords(ctx context.Context, hashes []ir.AnyHash) ([]ir.Record, error) {
	records := []ir.Record{}
	for _, h := range hashes {
		sa, err := n.store.LookupAction(ctx, ir.ActionHash(h))
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var entry *ir.Entry
		a := sa.Action.Action
		if a.HasEntry() && a.EntryType != nil && a.EntryType.IsPublic() {
			e, err := n.store.LookupEntry(ctx, a.EntryHash)
			switch {
			case err == nil:
				entry = &e
			case !errors.Is(err, store.ErrNotFound):
				return nil, err
			}
		}
		records = append(records, ir.NewRecord(sa.Action, entry))
	}
	return records, nil
}
