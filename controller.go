// Package hpsa is the command-execution and topology core of a Smart Array
// RAID controller driver. A Controller turns storage requests into command
// blocks, consumes completions from the hardware, and keeps the attached
// devices in step with what the controller reports.
package hpsa

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-hpsa/internal/ciss"
	"github.com/ehrlich-b/go-hpsa/internal/cmdpool"
	"github.com/ehrlich-b/go-hpsa/internal/constants"
	"github.com/ehrlich-b/go-hpsa/internal/dispatch"
	"github.com/ehrlich-b/go-hpsa/internal/dma"
	"github.com/ehrlich-b/go-hpsa/internal/logging"
	"github.com/ehrlich-b/go-hpsa/internal/recovery"
	"github.com/ehrlich-b/go-hpsa/internal/ring"
	"github.com/ehrlich-b/go-hpsa/internal/sgl"
	"github.com/ehrlich-b/go-hpsa/internal/topology"
)

var (
	errLockedUp = errors.New("controller locked up")
	errClosed   = errors.New("controller closed")
)

// Controller is the per-controller context every operation runs against
type Controller struct {
	id     int
	cfg    Config
	hw     Hardware
	caps   Capabilities
	logger *logging.Logger

	mem        *dma.Space
	mapper     *sgl.Mapper
	pool       *cmdpool.Pool
	admin      *cmdpool.AdminPool
	access     ring.Access
	dispatcher *dispatch.Dispatcher
	reconciler *topology.Reconciler
	arbiter    *recovery.Arbiter

	internalPolicy  recovery.Policy
	readinessPolicy recovery.Policy

	// request-path slots in use, bounded by queueDepth
	inflight   atomic.Int64
	queueDepth int

	passthrus chan struct{}

	metrics  *Metrics
	observer Observer

	finished chan *cmdpool.Command
	rescanCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	stop   chan struct{}
	intrWG sync.WaitGroup
	compWG sync.WaitGroup
	bgWG   sync.WaitGroup

	// submitMu orders submissions against Close
	submitMu  sync.RWMutex
	lockedUp  atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

// Open brings up a controller: it reads the config table, sizes the
// command pools, selects the transport mode, starts the completion
// goroutines and runs the first topology scan. Devices found by that
// scan are reported to host.
func Open(ctx context.Context, hw Hardware, host Host, cfg Config) (*Controller, error) {
	if hw == nil || host == nil {
		return nil, NewError("OPEN", ErrCodeInvalidParameters, "hardware and host are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := logging.Or(cfg.Logger).WithController(cfg.ControllerID)
	caps := hw.Capabilities()
	if caps.MaxCommands <= 0 {
		return nil, NewError("OPEN", ErrCodeNotSupported, "controller reports no command slots")
	}

	c := &Controller{
		id:              cfg.ControllerID,
		cfg:             cfg,
		hw:              hw,
		caps:            caps,
		logger:          logger,
		internalPolicy:  cfg.InternalRetry.policy(),
		readinessPolicy: cfg.Recovery.readinessPolicy(),
		passthrus:       make(chan struct{}, cfg.MaxConcurrentPassthrus),
		metrics:         NewMetrics(),
		rescanCh:        make(chan struct{}, 1),
		stop:            make(chan struct{}),
	}
	c.observer = cfg.Observer
	if c.observer == nil {
		c.observer = NewMetricsObserver(c.metrics)
	}

	if err := c.setupPools(); err != nil {
		return nil, WrapError("OPEN", err)
	}
	if err := c.setupTransport(); err != nil {
		return nil, err
	}

	c.dispatcher = dispatch.New(c.pool, logger)
	c.reconciler = topology.NewReconciler(arrayQuerier{c}, host, topology.Options{
		Limits: cfg.Limits,
		Logger: logger,
	})
	c.arbiter = recovery.NewArbiter(cfg.ReservedForAborts, cfg.Recovery.AbortSlotWait)
	c.finished = make(chan *cmdpool.Command, c.pool.Cap()+c.admin.Cap())

	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.intrWG.Add(1)
	go c.interruptLoop()
	c.compWG.Add(1)
	go c.completionLoop()
	c.access.SetIntrMask(true)

	logger.Info("controller ready",
		"board", fmt.Sprintf("0x%08x", caps.BoardID),
		"mode", c.access.Mode().String(),
		"commands", c.pool.Cap(),
		"queues", c.access.Queues(),
		"sg_inline", c.mapper.MaxInline(),
		"sg_max", c.mapper.MaxTotal())

	if err := c.Rescan(ctx); err != nil {
		logger.WithError(err).Warn("initial scan failed, will retry")
	}

	c.bgWG.Add(1)
	go c.rescanWorker()
	return c, nil
}

func (c *Controller) setupPools() error {
	c.mem = dma.New(dma.DefaultBase)
	c.hw.SetHostMemory(c.mem)

	maxSG := c.caps.MaxSGEntries
	if maxSG <= 0 {
		maxSG = constants.DefaultMaxSGEntries
	}
	inline := c.cfg.MaxInlineSG
	if inline > maxSG {
		inline = maxSG
	}
	c.mapper = sgl.New(c.mem, inline, maxSG)

	n := c.caps.MaxCommands
	if n > c.cfg.MaxCommands {
		n = c.cfg.MaxCommands
	}
	blockSize := alignBlock(ciss.CommandFixedSize + c.mapper.MaxInline()*ciss.SGDescriptorSize)
	chainSize := 0
	if c.mapper.MaxTotal() > c.mapper.MaxInline() {
		chainSize = c.mapper.ChainBlockSize()
	}

	var err error
	if c.pool, err = cmdpool.NewPool(c.mem, n, blockSize, chainSize); err != nil {
		return err
	}
	if c.admin, err = cmdpool.NewAdminPool(c.mem, c.cfg.AdminCommands, blockSize, chainSize); err != nil {
		return err
	}

	c.queueDepth = n - c.cfg.ReservedForDriver
	if c.queueDepth < 1 {
		c.queueDepth = 1
	}
	return nil
}

func alignBlock(n int) int {
	return (n + constants.CommandBlockAlign - 1) &^ (constants.CommandBlockAlign - 1)
}

func (c *Controller) setupTransport() error {
	perf := c.caps.TransportSupport&ciss.TransportPerformant != 0
	switch c.cfg.TransportMode {
	case TransportSimple:
		perf = false
	case TransportPerformant:
		if !perf {
			return NewError("OPEN", ErrCodeNotSupported, "controller does not support performant mode")
		}
	}

	if !perf {
		if c.caps.TransportSupport&ciss.TransportSimple == 0 {
			return NewError("OPEN", ErrCodeNotSupported, "controller supports no usable transport")
		}
		if err := c.hw.SetTransport(TransportConfig{Method: ciss.TransportSimple}); err != nil {
			return WrapError("OPEN", err)
		}
		c.access = ring.NewSimple(c.hw)
		return nil
	}

	nq := c.cfg.ReplyQueues
	if c.caps.MaxReplyQueues > 0 && nq > c.caps.MaxReplyQueues {
		nq = c.caps.MaxReplyQueues
	}
	// each ring must hold every command that can be outstanding
	depth := c.pool.Cap() + c.admin.Cap()
	queues := make([]*ring.ReplyQueue, nq)
	entries := make([][]uint64, nq)
	for i := range queues {
		queues[i] = ring.NewReplyQueue(depth)
		entries[i] = queues[i].Entries()
	}
	bft := ring.BlockFetchTable(c.mapper.MaxInline())
	if err := c.hw.SetTransport(TransportConfig{
		Method:      ciss.TransportPerformant,
		ReplyQueues: entries,
		BlockFetch:  bft,
	}); err != nil {
		return WrapError("OPEN", err)
	}
	bucketMap := ring.CalcBucketMap(bft, c.mapper.MaxInline(), constants.MinBlockFetch)
	c.access = ring.NewPerformant(c.hw, queues, bucketMap, c.logger)
	return nil
}

// interruptLoop drains the completion queues each time the controller
// raises an interrupt. It only resolves tags; request completions are
// handed to completionLoop.
func (c *Controller) interruptLoop() {
	defer c.intrWG.Done()
	irq := c.hw.Interrupts()
	for {
		select {
		case <-c.stop:
			return
		case _, ok := <-irq:
			if !ok {
				return
			}
			// performant completions arrive like message interrupts and
			// are drained unconditionally; the doorbell may already be
			// cleared by the previous drain
			if c.access.Mode() == ring.ModeSimple && !c.access.IntrPending() {
				continue
			}
			c.drainCompletions()
		}
	}
}

func (c *Controller) drainCompletions() {
	errorBits := c.access.ErrorBits()
	for q := 0; q < c.access.Queues(); q++ {
		for {
			raw, ok := c.access.Completed(q)
			if !ok {
				break
			}
			cmd, err := c.dispatcher.Resolve(raw, errorBits)
			if err != nil {
				c.metrics.MalformedTags.Add(1)
				continue
			}
			if cmd.Kind == cmdpool.KindInternal {
				cmd.Signal()
				continue
			}
			c.finished <- cmd
		}
	}
}

func (c *Controller) completionLoop() {
	defer c.compWG.Done()
	for cmd := range c.finished {
		c.completeRequest(cmd)
	}
}

// latchLockup fails everything outstanding once the controller reports
// it has locked up. Later recovery attempts are refused.
func (c *Controller) latchLockup() {
	if !c.lockedUp.CompareAndSwap(false, true) {
		return
	}
	c.logger.Error("controller lockup detected, failing outstanding commands")
	c.failOutstanding()
}

// failOutstanding completes every outstanding command with a lockup status
func (c *Controller) failOutstanding() {
	for _, cmd := range c.dispatcher.Drain() {
		cmd.SetErrorInfo(&ciss.ErrorInfo{CommandStatus: ciss.CmdCtlrLockup})
		if cmd.Kind == cmdpool.KindInternal {
			cmd.Signal()
			continue
		}
		c.completeRequest(cmd)
	}
}

// checkUsable returns the error recovery and admin entry points report
// once the controller is closed or locked up
func (c *Controller) checkUsable(op string) error {
	if c.closed.Load() {
		return &Error{Op: op, Ctlr: c.id, Code: ErrCodeClosed, Msg: "controller closed", Inner: errClosed}
	}
	if c.lockedUp.Load() {
		return &Error{Op: op, Ctlr: c.id, Code: ErrCodeLockup, Msg: "controller locked up", Inner: errLockedUp}
	}
	return nil
}

// Close flushes the controller cache, stops the background work and
// fails whatever is still outstanding. Later calls return ErrClosed.
func (c *Controller) Close(ctx context.Context) error {
	var err error = NewError("CLOSE", ErrCodeClosed, "controller already closed")
	c.closeOnce.Do(func() {
		err = nil
		c.cancel()
		c.bgWG.Wait()

		if !c.lockedUp.Load() {
			if ferr := c.FlushCache(ctx); ferr != nil {
				c.logger.WithError(ferr).Warn("cache flush failed")
				err = ferr
			}
		}
		c.submitMu.Lock()
		c.closed.Store(true)
		c.submitMu.Unlock()

		c.access.SetIntrMask(false)
		close(c.stop)
		c.intrWG.Wait()
		close(c.finished)
		c.compWG.Wait()

		c.failOutstanding()
		c.admin.Close()
		c.metrics.Stop()
		c.logger.Info("controller closed")
	})
	return err
}

// ID returns the controller number
func (c *Controller) ID() int { return c.id }

// Mode returns the transport mode in use
func (c *Controller) Mode() string { return c.access.Mode().String() }

// QueueDepth is the number of requests QueueCommand accepts at once
func (c *Controller) QueueDepth() int { return c.queueDepth }

// MaxSGEntries is the number of buffers one request may carry
func (c *Controller) MaxSGEntries() int { return c.mapper.MaxTotal() }

// SGHighWater is the most descriptors any request has used
func (c *Controller) SGHighWater() int { return c.mapper.HighWater() }

// Outstanding returns the number of commands the hardware holds
func (c *Controller) Outstanding() int { return c.dispatcher.Len() }

// LockedUp reports whether the controller reported a lockup
func (c *Controller) LockedUp() bool { return c.lockedUp.Load() }

// Devices returns a snapshot of the device table
func (c *Controller) Devices() []Device { return c.reconciler.Table().Snapshot() }

// Device looks up the device at bus/target/lun
func (c *Controller) Device(bus, target, lun int) (Device, bool) {
	return c.reconciler.Table().Lookup(bus, target, lun)
}

// ControllerWWID returns the controller's own SAS address, when the
// extended physical report carried one
func (c *Controller) ControllerWWID() ([8]byte, bool) { return c.reconciler.ControllerWWID() }

// Metrics returns the controller metrics
func (c *Controller) Metrics() *Metrics { return c.metrics }

// MetricsSnapshot returns a point-in-time snapshot of controller metrics
func (c *Controller) MetricsSnapshot() MetricsSnapshot {
	s := c.metrics.Snapshot()
	if hw := uint32(c.mapper.HighWater()); hw > s.SGHighWater {
		s.SGHighWater = hw
	}
	return s
}

// Collector returns a prometheus collector over the controller metrics
func (c *Controller) Collector() *Collector { return NewCollector(c.metrics, c.id) }

// ControllerInfo summarises a controller for reporting
type ControllerInfo struct {
	ID          int           `json:"id"`
	BoardID     uint32        `json:"board_id"`
	Mode        string        `json:"mode"`
	Commands    int           `json:"commands"`
	QueueDepth  int           `json:"queue_depth"`
	ReplyQueues int           `json:"reply_queues"`
	SGInline    int           `json:"sg_inline"`
	SGMax       int           `json:"sg_max"`
	Devices     int           `json:"devices"`
	Offline     int           `json:"offline"`
	LockedUp    bool          `json:"locked_up"`
	Uptime      time.Duration `json:"uptime"`
}

// Info returns a summary of the controller
func (c *Controller) Info() ControllerInfo {
	return ControllerInfo{
		ID:          c.id,
		BoardID:     c.caps.BoardID,
		Mode:        c.Mode(),
		Commands:    c.pool.Cap(),
		QueueDepth:  c.queueDepth,
		ReplyQueues: c.access.Queues(),
		SGInline:    c.mapper.MaxInline(),
		SGMax:       c.mapper.MaxTotal(),
		Devices:     c.reconciler.Table().Len(),
		Offline:     len(c.reconciler.Monitor().Pending()),
		LockedUp:    c.lockedUp.Load(),
		Uptime:      time.Duration(c.metrics.Snapshot().UptimeNs),
	}
}
