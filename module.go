package streamengine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/durable-streams/stream-engine/analytics"
	"github.com/durable-streams/stream-engine/blob"
	"github.com/durable-streams/stream-engine/fanout"
	"github.com/durable-streams/stream-engine/store"
)

func init() {
	caddy.RegisterModule(Handler{})
	httpcaddyfile.RegisterHandlerDirective("stream_engine", parseCaddyfile)
}

// Config reloads re-provision the handler; the collectors register with
// the default registry once per process.
var (
	metricsOnce   sync.Once
	sharedMetrics *store.Metrics
)

func engineMetrics() *store.Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = store.NewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// Handler implements the stream store protocol as a Caddy HTTP handler.
type Handler struct {
	// DataDir is the directory for the bbolt row store. Empty means
	// in-memory storage (tests, dev mode).
	DataDir string `json:"data_dir,omitempty"`

	// BlobDir roots the filesystem segment blob store. Defaults to
	// <data_dir>/blobs, or to stream-engine-blobs under the system temp
	// directory when DataDir is empty. Setting it together with S3Bucket
	// fails validation.
	BlobDir string `json:"blob_dir,omitempty"`

	// S3Bucket switches segment blobs to S3.
	S3Bucket string `json:"s3_bucket,omitempty"`

	// NATSUrl enables the deferred fan-out queue. Empty means every
	// fan-out delivery is inline.
	NATSUrl string `json:"nats_url,omitempty"`

	// AnalyticsPath is the DuckDB file for the passive segment index.
	// Empty disables the sink.
	AnalyticsPath string `json:"analytics_path,omitempty"`

	// LongPollTimeout overrides LONG_POLL_TIMEOUT_MS.
	LongPollTimeout caddy.Duration `json:"long_poll_timeout,omitempty"`

	// SSEIdleTimeout is how long an SSE connection may sit idle before
	// it is closed for reconnect.
	SSEIdleTimeout caddy.Duration `json:"sse_idle_timeout,omitempty"`

	// SweepInterval paces the orphan-blob sweeper. Zero selects the
	// 10-minute default; a negative value disables it.
	SweepInterval caddy.Duration `json:"sweep_interval,omitempty"`

	// DebugRetainOps keeps hot rows after rotation. Debug only.
	DebugRetainOps bool `json:"debug_retain_ops,omitempty"`

	cfg         store.Config
	engine      *store.Engine
	storage     store.Storage
	blobs       store.BlobStore
	broadcaster *Broadcaster
	metrics     *store.Metrics
	logger      *zap.Logger

	natsConn *nats.Conn
	consumer *fanout.Consumer
	sink     *analytics.Sink

	sweepStop chan struct{}
}

// CaddyModule returns the Caddy module information.
func (Handler) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.stream_engine",
		New: func() caddy.Module { return new(Handler) },
	}
}

// Provision sets up storage, the engine, and the collaborators.
func (h *Handler) Provision(ctx caddy.Context) error {
	h.logger = ctx.Logger()

	cfg, err := store.ConfigFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if h.DebugRetainOps {
		cfg.RetainOps = true
	}
	h.cfg = cfg

	if h.SSEIdleTimeout == 0 {
		h.SSEIdleTimeout = caddy.Duration(55 * time.Second)
	}
	if h.SweepInterval == 0 {
		h.SweepInterval = caddy.Duration(10 * time.Minute)
	}

	// Row store
	if h.DataDir == "" {
		h.storage = store.NewMemoryStorage()
		h.logger.Info("using in-memory storage (no data_dir configured)")
	} else {
		s, err := store.NewBboltStorage(h.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		h.storage = s
		h.logger.Info("using bbolt storage", zap.String("data_dir", h.DataDir))
	}

	// Segment blob store
	if h.S3Bucket != "" {
		s3store, err := blob.NewS3Store(context.Background(), h.S3Bucket)
		if err != nil {
			return fmt.Errorf("failed to init S3 blob store: %w", err)
		}
		h.blobs = s3store
		h.logger.Info("segment blobs in S3", zap.String("bucket", h.S3Bucket))
	} else {
		dir := h.BlobDir
		if dir == "" {
			if h.DataDir != "" {
				dir = filepath.Join(h.DataDir, "blobs")
			} else {
				dir = filepath.Join(os.TempDir(), "stream-engine-blobs")
			}
		}
		fsStore, err := blob.NewFSStore(dir)
		if err != nil {
			return fmt.Errorf("failed to init blob store: %w", err)
		}
		h.blobs = fsStore
		h.logger.Info("segment blobs on filesystem", zap.String("dir", dir))
	}

	h.metrics = engineMetrics()
	h.engine = store.NewEngine(h.storage, h.blobs, cfg, h.logger, h.metrics)

	h.broadcaster = NewBroadcaster(h.metrics)
	h.engine.AddObserver(h.broadcaster)

	// Fan-out: queue above the subscriber threshold, inline below.
	var js nats.JetStreamContext
	if h.NATSUrl != "" {
		nc, err := nats.Connect(h.NATSUrl, nats.Name("stream-engine"))
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		h.natsConn = nc
		js, err = nc.JetStream()
		if err != nil {
			return fmt.Errorf("failed to init JetStream: %w", err)
		}
		if err := fanout.EnsureStream(js); err != nil {
			return fmt.Errorf("failed to ensure fan-out stream: %w", err)
		}
		h.consumer = fanout.NewConsumer(h.engine, js, cfg, h.logger, h.metrics)
		if err := h.consumer.Start(); err != nil {
			return fmt.Errorf("failed to start fan-out consumer: %w", err)
		}
		h.logger.Info("deferred fan-out enabled", zap.String("nats_url", h.NATSUrl))
	}
	h.engine.AddObserver(fanout.NewManager(h.engine, js, cfg, h.logger, h.metrics))

	// Passive analytics sink
	if h.AnalyticsPath != "" {
		sink, err := analytics.Open(h.AnalyticsPath, h.logger)
		if err != nil {
			return fmt.Errorf("failed to open analytics sink: %w", err)
		}
		h.sink = sink
		h.engine.OnSegmentSealed(sink.Record)
		h.logger.Info("analytics sink enabled", zap.String("path", h.AnalyticsPath))
	}

	if h.SweepInterval > 0 {
		h.sweepStop = make(chan struct{})
		go h.sweepLoop()
	}
	return nil
}

func (h *Handler) sweepLoop() {
	ticker := time.NewTicker(time.Duration(h.SweepInterval))
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			removed, err := h.engine.SweepOrphanBlobs(context.Background())
			if err != nil {
				h.logger.Warn("orphan blob sweep failed", zap.Error(err))
			} else if removed > 0 {
				h.logger.Info("orphan blobs reclaimed", zap.Int("count", removed))
			}
		case <-h.sweepStop:
			return
		}
	}
}

// Validate ensures the handler configuration is valid.
func (h *Handler) Validate() error {
	if h.S3Bucket != "" && h.BlobDir != "" {
		return fmt.Errorf("s3_bucket and blob_dir are mutually exclusive")
	}
	return nil
}

// Cleanup releases resources.
func (h *Handler) Cleanup() error {
	if h.sweepStop != nil {
		close(h.sweepStop)
	}
	if h.consumer != nil {
		h.consumer.Stop()
	}
	if h.natsConn != nil {
		h.natsConn.Close()
	}
	if h.sink != nil {
		if err := h.sink.Close(); err != nil {
			h.logger.Warn("analytics sink close failed", zap.Error(err))
		}
	}
	if h.storage != nil {
		return h.storage.Close()
	}
	return nil
}

// UnmarshalCaddyfile parses the Caddyfile syntax:
//
//	stream_engine {
//	    data_dir /var/lib/stream-engine
//	    blob_dir /var/lib/stream-engine/blobs
//	    s3_bucket my-segments
//	    nats_url nats://localhost:4222
//	    analytics_path /var/lib/stream-engine/index.duckdb
//	    long_poll_timeout 20s
//	    sse_idle_timeout 55s
//	    sweep_interval 10m
//	    debug_retain_ops
//	}
func (h *Handler) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		for d.NextBlock(0) {
			switch d.Val() {
			case "data_dir":
				if !d.Args(&h.DataDir) {
					return d.ArgErr()
				}
			case "blob_dir":
				if !d.Args(&h.BlobDir) {
					return d.ArgErr()
				}
			case "s3_bucket":
				if !d.Args(&h.S3Bucket) {
					return d.ArgErr()
				}
			case "nats_url":
				if !d.Args(&h.NATSUrl) {
					return d.ArgErr()
				}
			case "analytics_path":
				if !d.Args(&h.AnalyticsPath) {
					return d.ArgErr()
				}
			case "long_poll_timeout":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(val)
				if err != nil {
					return d.Errf("invalid duration: %v", err)
				}
				h.LongPollTimeout = caddy.Duration(dur)
			case "sse_idle_timeout":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(val)
				if err != nil {
					return d.Errf("invalid duration: %v", err)
				}
				h.SSEIdleTimeout = caddy.Duration(dur)
			case "sweep_interval":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(val)
				if err != nil {
					return d.Errf("invalid duration: %v", err)
				}
				h.SweepInterval = caddy.Duration(dur)
			case "debug_retain_ops":
				h.DebugRetainOps = true
			default:
				return d.Errf("unknown subdirective: %s", d.Val())
			}
		}
	}
	return nil
}

func parseCaddyfile(helper httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var handler Handler
	err := handler.UnmarshalCaddyfile(helper.Dispenser)
	return &handler, err
}

// Interface guards
var (
	_ caddy.Provisioner           = (*Handler)(nil)
	_ caddy.Validator             = (*Handler)(nil)
	_ caddy.CleanerUpper          = (*Handler)(nil)
	_ caddyhttp.MiddlewareHandler = (*Handler)(nil)
	_ caddyfile.Unmarshaler       = (*Handler)(nil)
)
