// Package worker implements the offline worker: it precaches a manifest on
// install, drops stale partitions on activate and then answers site requests
// stale-while-revalidate from the response cache.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"sitecache/internal/cache"
	"sitecache/internal/logging"
	"sitecache/internal/metrics"
)

const (
	DefaultPrecacheName        = "education-site-v1"
	DefaultRuntimeName         = "runtime-cache-v1"
	DefaultMaxBodyBytes        = 1 << 20
	DefaultPrecacheConcurrency = 4
)

// DefaultManifest is the asset list precached on install.
var DefaultManifest = []string{
	"/",
	"/index.html",
	"/login.html",
	"/signup.html",
	"/style.css",
	"/style2.css",
	"/script.js",
	"/modules/cache-manager.js",
	"/modules/lazy-loader.js",
	"/p2-remove.png",
	"/whychoose.png",
	"/web.png",
	"/market.png",
	"/app_dev.png",
	"/java_logo.png",
}

var (
	ErrUnknownAction = errors.New("worker: unknown action")
	ErrNotInstalled  = errors.New("worker: not installed")
	ErrMissingOrigin = errors.New("worker: site origin is required")
)

type Phase int32

const (
	Parsed Phase = iota
	Installing
	Installed
	Activating
	Activated
)

func (p Phase) String() string {
	switch p {
	case Parsed:
		return "parsed"
	case Installing:
		return "installing"
	case Installed:
		return "installed"
	case Activating:
		return "activating"
	case Activated:
		return "activated"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// Fetcher performs network requests. origin.Pool satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Partitions names the partitions of the current generation. CDN is optional.
type Partitions struct {
	Precache string
	Runtime  string
	CDN      string
}

func (p Partitions) current() map[string]bool {
	out := map[string]bool{p.Precache: true, p.Runtime: true}
	if p.CDN != "" {
		out[p.CDN] = true
	}
	return out
}

type Options struct {
	// Origin is the site origin; only GET requests to it are intercepted.
	Origin     *url.URL
	Partitions Partitions
	// CDNHosts are substrings of request URLs routed to Partitions.CDN.
	CDNHosts            []string
	Manifest            []string
	MaxBodyBytes        int64
	PrecacheConcurrency int
	// AwaitSkipWaiting keeps an installed worker waiting until a skipWaiting message.
	AwaitSkipWaiting bool
	Scheduler        Scheduler
	Logger           logging.Logger
	Clock            func() time.Time
}

type Worker struct {
	storage cache.Storage
	fetcher Fetcher
	opts    Options

	phase     atomic.Int32
	lifecycle sync.Mutex
	refreshes singleflight.Group

	// life bounds background refreshes; Stop cancels it.
	life context.Context
	stop context.CancelFunc
}

func New(storage cache.Storage, fetcher Fetcher, opts Options) (*Worker, error) {
	if opts.Origin == nil || opts.Origin.Host == "" {
		return nil, ErrMissingOrigin
	}
	if opts.Partitions.Precache == "" {
		opts.Partitions.Precache = DefaultPrecacheName
	}
	if opts.Partitions.Runtime == "" {
		opts.Partitions.Runtime = DefaultRuntimeName
	}
	if opts.Manifest == nil {
		opts.Manifest = DefaultManifest
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.PrecacheConcurrency <= 0 {
		opts.PrecacheConcurrency = DefaultPrecacheConcurrency
	}
	if opts.Scheduler == nil {
		opts.Scheduler = &AsyncScheduler{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	life, stop := context.WithCancel(context.Background())
	return &Worker{storage: storage, fetcher: fetcher, opts: opts, life: life, stop: stop}, nil
}

// Stop cancels in-flight background refreshes and schedules no new ones.
// Requests are still answered.
func (w *Worker) Stop() {
	w.stop()
}

func (w *Worker) Phase() Phase {
	return Phase(w.phase.Load())
}

func (w *Worker) setPhase(p Phase) {
	w.phase.Store(int32(p))
	w.opts.Logger.Info("worker phase changed", "phase", p.String())
}

type Failure struct {
	URL string
	Err error
}

type InstallReport struct {
	Cached []string
	Failed []Failure
	// PartitionErr is set when the precache partition could not be opened
	// and nothing was precached.
	PartitionErr error
}

// Install opens the precache partition and fetches every manifest URL into
// it. Fetch failures and a failure to open the partition are logged and
// reported; the worker still ends up Installed. The error is non-nil only
// when ctx is already done.
func (w *Worker) Install(ctx context.Context) (InstallReport, error) {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()

	var report InstallReport
	if err := ctx.Err(); err != nil {
		return report, err
	}
	w.setPhase(Installing)

	p, err := w.storage.Open(ctx, w.opts.Partitions.Precache)
	if err != nil {
		w.opts.Logger.Error("open precache partition failed, installing without precache",
			"partition", w.opts.Partitions.Precache, "error", err)
		report.PartitionErr = fmt.Errorf("open precache partition: %w", err)
		w.setPhase(Installed)
		return report, nil
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(w.opts.PrecacheConcurrency)

	for _, raw := range w.opts.Manifest {
		target := w.resolve(raw)
		g.Go(func() error {
			err := w.precacheOne(ctx, p, target)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				w.opts.Logger.Warn("precache fetch failed", "url", target, "error", err)
				metrics.IncPrecache("failed")
				report.Failed = append(report.Failed, Failure{URL: target, Err: err})
				return nil
			}
			metrics.IncPrecache("cached")
			report.Cached = append(report.Cached, target)
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(report.Cached)
	sort.Slice(report.Failed, func(i, j int) bool { return report.Failed[i].URL < report.Failed[j].URL })

	w.setPhase(Installed)
	w.opts.Logger.Info("install complete",
		"partition", w.opts.Partitions.Precache,
		"cached", len(report.Cached),
		"failed", len(report.Failed),
	)
	return report, nil
}

func (w *Worker) precacheOne(ctx context.Context, p cache.Partition, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := w.fetcher.Fetch(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	snap, err := w.snapshot(target, resp)
	if err != nil {
		return err
	}
	return p.Put(ctx, cache.RequestKey(http.MethodGet, target), snap)
}

type ActivateReport struct {
	Deleted []string
	// PartitionErr is set when the partitions could not be listed and no
	// cleanup took place.
	PartitionErr error
}

// Activate removes every partition outside the current generation and then
// takes control of request handling. Storage faults are logged and reported
// without keeping the worker from activating.
func (w *Worker) Activate(ctx context.Context) (ActivateReport, error) {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	return w.activateLocked(ctx)
}

func (w *Worker) activateLocked(ctx context.Context) (ActivateReport, error) {
	var report ActivateReport
	if w.Phase() != Installed {
		return report, fmt.Errorf("%w: phase is %s", ErrNotInstalled, w.Phase())
	}
	w.setPhase(Activating)

	names, err := w.storage.Names(ctx)
	if err != nil {
		w.opts.Logger.Error("list partitions failed, activating without cleanup", "error", err)
		report.PartitionErr = fmt.Errorf("list partitions: %w", err)
		names = nil
	}

	current := w.opts.Partitions.current()
	for _, name := range names {
		if current[name] {
			continue
		}
		if _, err := w.storage.Delete(ctx, name); err != nil {
			w.opts.Logger.Error("delete stale partition failed", "partition", name, "error", err)
			continue
		}
		w.opts.Logger.Info("deleted stale partition", "partition", name)
		report.Deleted = append(report.Deleted, name)
	}
	metrics.AddPartitionsDeleted("activate", len(report.Deleted))

	w.setPhase(Activated)
	return report, nil
}

// Start installs the worker and, unless AwaitSkipWaiting is set, activates it.
// A skipWaiting message that arrives in between has already done the latter.
func (w *Worker) Start(ctx context.Context) error {
	if _, err := w.Install(ctx); err != nil {
		return err
	}
	if w.opts.AwaitSkipWaiting {
		w.opts.Logger.Info("worker installed, waiting for skipWaiting")
		return nil
	}

	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	if w.Phase() != Installed {
		return nil
	}
	_, err := w.activateLocked(ctx)
	return err
}

const (
	ActionSkipWaiting = "skipWaiting"
	ActionClearCache  = "clearCache"
)

type Message struct {
	Action string `json:"action"`
}

// HandleMessage applies a control message. There is no reply payload.
func (w *Worker) HandleMessage(ctx context.Context, msg Message) error {
	switch msg.Action {
	case ActionSkipWaiting:
		w.lifecycle.Lock()
		defer w.lifecycle.Unlock()
		if w.Phase() != Installed {
			return nil
		}
		_, err := w.activateLocked(ctx)
		return err
	case ActionClearCache:
		return w.clearAll(ctx)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, msg.Action)
	}
}

func (w *Worker) clearAll(ctx context.Context) error {
	names, err := w.storage.Names(ctx)
	if err != nil {
		return fmt.Errorf("worker: list partitions: %w", err)
	}
	n := 0
	for _, name := range names {
		if _, err := w.storage.Delete(ctx, name); err != nil {
			w.opts.Logger.Error("delete partition failed", "partition", name, "error", err)
			continue
		}
		n++
	}
	metrics.AddPartitionsDeleted("clear", n)
	w.opts.Logger.Info("cleared response cache", "partitions", n)
	return nil
}

type PartitionStatus struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
}

type Status struct {
	Phase      string            `json:"phase"`
	Partitions []PartitionStatus `json:"partitions"`
}

func (w *Worker) Status(ctx context.Context) (Status, error) {
	st := Status{Phase: w.Phase().String(), Partitions: []PartitionStatus{}}

	names, err := w.storage.Names(ctx)
	if err != nil {
		return st, err
	}
	for _, name := range names {
		p, err := w.storage.Open(ctx, name)
		if err != nil {
			return st, err
		}
		keys, err := p.Keys(ctx)
		if err != nil {
			return st, err
		}
		st.Partitions = append(st.Partitions, PartitionStatus{Name: name, Entries: len(keys)})
	}
	return st, nil
}

// resolve turns a manifest path into an absolute URL on the site origin.
func (w *Worker) resolve(raw string) string {
	ref, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return w.opts.Origin.ResolveReference(ref).String()
}

// partitionFor picks the runtime partition unless the URL belongs to a CDN
// host and a CDN partition is declared.
func (w *Worker) partitionFor(rawURL string) string {
	if w.opts.Partitions.CDN != "" {
		for _, host := range w.opts.CDNHosts {
			if host != "" && strings.Contains(rawURL, host) {
				return w.opts.Partitions.CDN
			}
		}
	}
	return w.opts.Partitions.Runtime
}
