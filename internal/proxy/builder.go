package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"sitecache/internal/admin"
	"sitecache/internal/cache"
	"sitecache/internal/config"
	"sitecache/internal/expcache"
	"sitecache/internal/kvstore"
	"sitecache/internal/logging"
	"sitecache/internal/metrics"
	"sitecache/internal/middleware"
	"sitecache/internal/origin"
	"sitecache/internal/upstream"
	"sitecache/internal/worker"
)

type ListenerServer struct {
	Name   string
	Server *http.Server
	TLS    config.TLSConfig
}

// Stack is everything serve needs, built from one config.
type Stack struct {
	Listeners []*ListenerServer
	Admin     *admin.Server
	Worker    *worker.Worker
	KV        *expcache.Cache
	Pool      *origin.Pool
	Scheduler *worker.AsyncScheduler

	// ShutdownTimeout bounds how long Close waits for background refreshes.
	ShutdownTimeout time.Duration

	closers []func() error
}

// Close cancels background refreshes, waits up to ShutdownTimeout for them
// to return and releases storage handles.
func (s *Stack) Close() error {
	var errs []error
	if s.Worker != nil {
		s.Worker.Stop()
	}
	if s.Scheduler != nil {
		timeout := s.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.Scheduler.WaitContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("wait for background refreshes: %w", err))
		}
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Builder struct {
	cfg    *config.Config
	logger logging.Logger
}

func NewBuilder(cfg *config.Config, logger logging.Logger) *Builder {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Builder{
		cfg:    cfg,
		logger: logger,
	}
}

func (b *Builder) Build(ctx context.Context) (*Stack, error) {
	stack := &Stack{ShutdownTimeout: b.cfg.Server.ShutdownTimeout}

	storage, closeStorage, err := b.OpenResponseStorage()
	if err != nil {
		return nil, err
	}
	stack.closers = append(stack.closers, closeStorage)

	kv, closeKV, err := b.OpenKV(ctx)
	if err != nil {
		_ = stack.Close()
		return nil, err
	}
	stack.closers = append(stack.closers, closeKV)
	stack.KV = kv

	pool, err := b.BuildPool(ctx)
	if err != nil {
		_ = stack.Close()
		return nil, err
	}
	stack.Pool = pool

	stack.Scheduler = &worker.AsyncScheduler{}
	w, err := b.BuildWorker(storage, pool, stack.Scheduler)
	if err != nil {
		_ = stack.Close()
		return nil, err
	}
	stack.Worker = w

	ipMw, err := middleware.IPFilter(b.logger, b.cfg.Server.IPBlockCIDRs)
	if err != nil {
		_ = stack.Close()
		return nil, fmt.Errorf("invalid ipBlockCIDRs: %w", err)
	}
	appHandler := middleware.Chain(w, middleware.AccessLog(b.logger, worker.HeaderSource), ipMw)

	if len(b.cfg.Listeners) == 0 {
		stack.Listeners = []*ListenerServer{
			{
				Name: "default",
				Server: &http.Server{
					Addr:    b.cfg.Server.Address,
					Handler: appHandler,
				},
				TLS: b.cfg.Server.TLS,
			},
		}
	} else {
		listeners, err := b.buildListeners(appHandler)
		if err != nil {
			_ = stack.Close()
			return nil, err
		}
		stack.Listeners = listeners
	}

	stack.Admin = admin.NewServer(b.cfg.Admin.Address, w, kv, b.logger)
	return stack, nil
}

// OpenResponseStorage opens the partition store selected by worker.storage.
func (b *Builder) OpenResponseStorage() (cache.Storage, func() error, error) {
	sc := b.cfg.Worker.Storage
	switch sc.Driver {
	case config.DriverBolt:
		s, err := cache.OpenBoltStorage(sc.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.DriverMemory, "":
		s := cache.NewMemoryStorage(sc.MaxEntries)
		precache := b.cfg.Worker.PrecacheName
		if precache == "" {
			precache = worker.DefaultPrecacheName
		}
		s.Pin(precache)
		return s, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported response storage driver %q", sc.Driver)
	}
}

// OpenKV opens the key-value store selected by kv.driver and wraps it in an
// expiring cache.
func (b *Builder) OpenKV(ctx context.Context) (*expcache.Cache, func() error, error) {
	kc := b.cfg.KV

	var store kvstore.Store
	closeFn := func() error { return nil }

	switch kc.Driver {
	case config.DriverBolt:
		s, err := kvstore.OpenBolt(kc.Path)
		if err != nil {
			return nil, nil, err
		}
		store, closeFn = s, s.Close
	case config.DriverPostgres:
		s, err := kvstore.OpenPostgres(ctx, kvstore.WithDSN(kc.DSN))
		if err != nil {
			return nil, nil, err
		}
		store, closeFn = s, s.Close
	case config.DriverMemory, "":
		if kc.QuotaBytes > 0 {
			store = kvstore.NewMemoryWithQuota(kc.QuotaBytes)
		} else {
			store = kvstore.NewMemory()
		}
	default:
		return nil, nil, fmt.Errorf("unsupported kv driver %q", kc.Driver)
	}

	namespace := kc.Namespace
	if namespace == "" {
		namespace = expcache.DefaultNamespace
	}
	kv := expcache.New(store, expcache.Options{
		Namespace:  namespace,
		DefaultTTL: kc.DefaultTTL,
		MaxEntries: kc.MaxEntries,
		Logger:     b.logger,
		Metrics:    metrics.NewKVRecorder(namespace),
	})
	return kv, closeFn, nil
}

// BuildPool creates the origin pool and starts its health checks, which stop
// when ctx is canceled.
func (b *Builder) BuildPool(ctx context.Context) (*origin.Pool, error) {
	oc := b.cfg.Origin

	endpoints, err := origin.ParseEndpoints(oc.Endpoints)
	if err != nil {
		return nil, fmt.Errorf("origin %s: %w", oc.Name, err)
	}

	transport, err := upstream.NewTransport(upstream.Options{
		InsecureSkipVerify: oc.InsecureSkipVerify,
		DialTimeout:        oc.DialTimeout,
	})
	if err != nil {
		return nil, err
	}

	pool := origin.NewPool(oc.Name, endpoints, transport, oc.HealthCheck, oc.CircuitBreaker)
	if oc.HealthCheck != nil {
		pool.StartHealthChecks(ctx, &http.Client{Transport: transport})
	}
	return pool, nil
}

func (b *Builder) BuildWorker(storage cache.Storage, fetcher worker.Fetcher, scheduler worker.Scheduler) (*worker.Worker, error) {
	wc := b.cfg.Worker
	return worker.New(storage, fetcher, worker.Options{
		Origin: b.cfg.SiteOrigin(),
		Partitions: worker.Partitions{
			Precache: wc.PrecacheName,
			Runtime:  wc.RuntimeName,
			CDN:      wc.CDNName,
		},
		CDNHosts:            wc.CDNHosts,
		Manifest:            wc.Manifest,
		MaxBodyBytes:        wc.MaxBodyBytes,
		PrecacheConcurrency: wc.PrecacheConcurrency,
		AwaitSkipWaiting:    wc.AwaitSkipWaiting,
		Scheduler:           scheduler,
		Logger:              b.logger,
	})
}

func (b *Builder) buildListeners(app http.Handler) ([]*ListenerServer, error) {
	listenerByName := make(map[string]config.ListenerConfig, len(b.cfg.Listeners))
	for _, l := range b.cfg.Listeners {
		listenerByName[l.Name] = l
	}

	var listeners []*ListenerServer

	for _, lst := range b.cfg.Listeners {
		var handler http.Handler

		if lst.RedirectTo != "" && !lst.TLS.Enabled {
			target, ok := listenerByName[lst.RedirectTo]
			if !ok {
				return nil, fmt.Errorf("listener %q has redirectTo=%q but target not found", lst.Name, lst.RedirectTo)
			}
			handler = httpsRedirectHandler(target.Address)
		} else {
			handler = app
		}

		listeners = append(listeners, &ListenerServer{
			Name: lst.Name,
			Server: &http.Server{
				Addr:    lst.Address,
				Handler: handler,
			},
			TLS: lst.TLS,
		})
	}

	return listeners, nil
}

func httpsRedirectHandler(targetAddr string) http.Handler {
	port := extractPort(targetAddr)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		targetURL := *r.URL
		targetURL.Scheme = "https"

		host := r.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}

		if port == "" || port == "443" {
			targetURL.Host = host
		} else {
			targetURL.Host = net.JoinHostPort(host, port)
		}
		http.Redirect(w, r, targetURL.String(), http.StatusMovedPermanently)
	})
}

func extractPort(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return ""
	}
	return port
}
