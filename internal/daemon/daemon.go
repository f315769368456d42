// Package daemon implements the listener daemon lifecycle: it wires the
// receiver, input queue and retriever together and delivers matching
// notices to a handler until shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"firestige.xyz/zephyr/internal/codec"
	"firestige.xyz/zephyr/internal/config"
	"firestige.xyz/zephyr/internal/core"
	"firestige.xyz/zephyr/internal/core/auth"
	"firestige.xyz/zephyr/internal/core/queue"
	"firestige.xyz/zephyr/internal/delivery"
	"firestige.xyz/zephyr/internal/log"
	"firestige.xyz/zephyr/internal/metrics"
	"firestige.xyz/zephyr/internal/transport"
)

// Handler receives each delivered notice. A returned error is logged; the
// notice is not redelivered.
type Handler func(n *core.Notice) error

// Daemon manages the listener process lifecycle.
type Daemon struct {
	// Configuration
	config     *config.GlobalConfig
	configPath string
	pidFile    string

	// Core components
	codec         *codec.Codec
	queue         *queue.Queue
	receiver      *transport.Receiver
	retriever     *delivery.Retriever
	metricsServer *metrics.Server // nil if metrics disabled

	// Lifecycle management
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	sigChan  chan os.Signal
	stopOnce sync.Once
}

// New loads the configuration at configPath and creates a daemon.
func New(configPath, pidFile string) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	d := NewWithConfig(cfg, pidFile)
	d.configPath = configPath
	return d, nil
}

// NewWithConfig creates a daemon from an already validated configuration.
func NewWithConfig(cfg *config.GlobalConfig, pidFile string) *Daemon {
	d := &Daemon{config: cfg, pidFile: pidFile}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d
}

// Start initializes and starts all daemon components.
func (d *Daemon) Start() error {
	// 1. Initialize logging system
	if err := log.Init(d.config.Log); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger := log.GetLogger()
	logger.WithField("config", d.configPath).WithField("listen", d.config.Listen.Address).
		Info("starting zephyr daemon")

	// 2. Write PID file
	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	// 3. Start metrics server
	if err := d.startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 4. Build codec and queue
	c, err := NewCodec(d.config.Auth)
	if err != nil {
		return err
	}
	d.codec = c
	d.queue = NewQueue(d.config.Queue, d.config.Retrieval.MaxNoticeSize)

	// 5. Bind the receiver
	d.receiver, err = transport.Listen(transport.ReceiverConfig{
		Address:        d.config.Listen.Address,
		MulticastGroup: d.config.Listen.MulticastGroup,
		Interface:      d.config.Listen.Interface,
		Buffer:         d.config.Listen.Buffer,
		RateLimit: transport.RateLimitConfig{
			MaxPerSender: d.config.Listen.RateLimit.MaxPerSender,
			Window:       d.config.Listen.RateLimit.WindowDuration(),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start receiver: %w", err)
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.receiver.Run(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("receiver stopped")
		}
	}()

	// 6. Queue GC for incomplete records
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.gcLoop(d.config.Queue.GCIntervalDuration())
	}()

	// 7. Retriever
	d.retriever = delivery.New(d.queue, d.codec.Parse,
		delivery.WithDrainer(d.receiver),
		delivery.WithAllocator(delivery.LimitAllocator(d.config.Retrieval.MaxNoticeSize)),
		delivery.WithPollInterval(d.config.Retrieval.PollIntervalDuration()),
		delivery.WithLogger(logger.WithField("component", "retriever")),
	)

	logger.WithField("addr", d.receiver.LocalAddr().String()).Info("daemon started successfully")
	return nil
}

// Stop performs graceful shutdown of all daemon components. It is safe to
// call more than once.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() {
		logger := log.GetLogger()
		logger.Info("initiating graceful shutdown")

		// 1. Cancel context to stop the receiver and GC loop
		d.cancel()
		if d.receiver != nil {
			d.receiver.Close()
		}
		d.wg.Wait()

		// 2. Stop metrics server
		if d.metricsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := d.metricsServer.Stop(shutdownCtx); err != nil {
				logger.WithError(err).Error("error stopping metrics server")
			}
		}

		// 3. Unregister signal handler
		if d.sigChan != nil {
			signal.Stop(d.sigChan)
		}

		// 4. Remove PID file
		if err := d.removePIDFile(); err != nil {
			logger.WithError(err).Error("error removing PID file")
		}

		if d.queue != nil {
			logger.WithField("pending", d.queue.CompleteLen()).Info("daemon stopped gracefully")
		}
	})
}

// Run delivers notices accepted by pred to handle until SIGINT/SIGTERM or
// TriggerShutdown, then stops the daemon. SIGHUP reloads the configuration.
func (d *Daemon) Run(pred core.Predicate, handle Handler) error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	go d.watchSignals()

	logger := log.GetLogger()
	logger.Info("daemon running, waiting for notices")
	defer d.Stop()

	for {
		n, from, err := d.retriever.IfNotice(d.ctx, pred)
		switch {
		case err == nil:
			if herr := handle(n); herr != nil {
				logger.WithField("from", from.String()).WithError(herr).Warn("notice handler failed")
			}
		case d.ctx.Err() != nil:
			return nil
		default:
			// one bad notice never stops the loop
			logger.WithField("from", from.String()).WithError(err).Warn("notice retrieval failed")
			if !d.backoff() {
				return nil
			}
		}
	}
}

// backoff waits one poll interval after a failed retrieval. It returns false
// if the daemon is shutting down.
func (d *Daemon) backoff() bool {
	t := time.NewTimer(d.config.Retrieval.PollIntervalDuration())
	defer t.Stop()
	select {
	case <-d.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (d *Daemon) watchSignals() {
	logger := log.GetLogger()
	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				logger.WithField("signal", sig.String()).Info("received shutdown signal")
				d.cancel()
				return
			case syscall.SIGHUP:
				logger.Info("received reload signal")
				if err := d.Reload(); err != nil {
					logger.WithError(err).Error("failed to reload config")
				}
			}
		case <-d.ctx.Done():
			return
		}
	}
}

// Reload re-reads the configuration file. Logging is hot-reloaded; every
// other change is reported as requiring a restart.
func (d *Daemon) Reload() error {
	if d.configPath == "" {
		return errors.New("daemon has no config file to reload")
	}
	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}
	if err := log.Reconfigure(newConfig.Log); err != nil {
		return fmt.Errorf("failed to reinitialize logging: %w", err)
	}

	requiresRestart := []string{}
	if newConfig.Listen != d.config.Listen {
		requiresRestart = append(requiresRestart, "listen")
	}
	if newConfig.Auth != d.config.Auth {
		requiresRestart = append(requiresRestart, "auth")
	}
	if newConfig.Queue != d.config.Queue {
		requiresRestart = append(requiresRestart, "queue")
	}
	if newConfig.Metrics != d.config.Metrics {
		requiresRestart = append(requiresRestart, "metrics")
	}
	d.config.Log = newConfig.Log

	log.GetLogger().WithField("requires_restart", requiresRestart).Info("configuration reloaded")
	return nil
}

// TriggerShutdown makes Run return.
func (d *Daemon) TriggerShutdown() {
	d.cancel()
}

// Addr returns the receiver's bound address.
func (d *Daemon) Addr() netip.AddrPort {
	if d.receiver == nil {
		return netip.AddrPort{}
	}
	return d.receiver.LocalAddr()
}

// Retriever exposes the retriever for one-shot callers.
func (d *Daemon) Retriever() *delivery.Retriever {
	return d.retriever
}

func (d *Daemon) gcLoop(interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			if n := d.queue.Expire(now); n > 0 {
				log.GetLogger().WithField("expired", n).Debug("dropped incomplete notices")
			}
		case <-d.ctx.Done():
			return
		}
	}
}

// startMetrics starts the metrics HTTP server if enabled.
func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		log.GetLogger().Info("metrics server disabled")
		return nil
	}
	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	return d.metricsServer.Start(d.ctx)
}

// writePIDFile writes the current process ID to the PID file.
func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	pid := os.Getpid()
	if err := os.WriteFile(d.pidFile, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}
	log.GetLogger().WithField("path", d.pidFile).WithField("pid", pid).Debug("PID file written")
	return nil
}

// removePIDFile removes the PID file.
func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.pidFile, err)
	}
	return nil
}

// NewCodec builds the codec for an auth section. Without a key the codec
// handles unsealed notices only.
func NewCodec(cfg config.AuthConfig) (*codec.Codec, error) {
	c := &codec.Codec{RequireAuth: cfg.Require}
	key, ok, err := cfg.SessionKey()
	if err != nil {
		return nil, fmt.Errorf("auth key: %w", err)
	}
	if ok {
		if c.Session, err = auth.NewSession(key); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// NewQueue builds the input queue for a queue section. Notices larger than
// maxNoticeSize bytes are dropped while reassembling.
func NewQueue(cfg config.QueueConfig, maxNoticeSize int) *queue.Queue {
	qc := queue.Config{
		MaxRecords:        cfg.MaxRecords,
		MaxFragments:      cfg.MaxFragments,
		MaxNoticeSize:     maxNoticeSize,
		IncompleteTimeout: cfg.IncompleteTimeoutDuration(),
	}
	if f := cfg.DeliveredFilter; f.Enabled {
		qc.Delivered = queue.NewBloomRing(f.Slots, f.Capacity, f.FalsePositiveRate)
	}
	return queue.New(qc)
}
