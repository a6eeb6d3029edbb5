// Package sockcore is the socket-proxy core named throughout spec §1–§9:
// the operation router, IOState table, request queues, buffer pool, and
// the three long-running loops (RIO dispatcher, net multiplexer, handle
// watcher) that drive them. Everything outside this package (rio,
// netbackend, kernel) exists to give sockcore a wire format, a network
// collaborator, and a set of primitives to build on.
package sockcore

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"sockproxy.dev/core/kernel"
	"sockproxy.dev/core/netbackend"
)

// Core owns every piece of mutable state spec §3/§5 describes. All fields
// it exposes to handlers are reached through Core's own methods so that
// the "single runner goroutine mutates IOState" discipline of spec §5 has
// one enforcement point.
type Core struct {
	cfg     Config
	backend netbackend.Backend
	log     *logrus.Logger
	pool    *BufferPool

	netWait    *RequestQueue
	clientWait *RequestQueue

	socketsMu sync.RWMutex
	sockets   map[int]*IOState // keyed by backend sockfd

	netMux      *kernel.WaitSet
	netInterupt *kernel.Interrupter
	netArmedMu  sync.Mutex
	netArmed    map[int]kernel.Signals

	watcher         *kernel.WaitSet
	watcherInterupt *kernel.Interrupter
	watchArmedMu    sync.Mutex
	watchArmed      map[int32]kernel.Signals
	cookieFD        map[int32]int      // cookie -> data endpoint fd, for epoll Modify/Remove
	cookieIOState   map[int32]*IOState // cookie -> owning IOState, for SockFD-keyed lookups

	runnerCh chan *Request

	root       *IOState
	RootClient *kernel.Channel

	dispatchWG sync.WaitGroup
}

func New(cfg Config, backend netbackend.Backend, log *logrus.Logger) (*Core, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logrus.StandardLogger()
	}

	netMux, err := kernel.NewWaitSet()
	if err != nil {
		return nil, fmt.Errorf("sockcore: net multiplexer: %w", err)
	}
	netInt, err := kernel.NewInterrupter()
	if err != nil {
		return nil, fmt.Errorf("sockcore: net interrupter: %w", err)
	}
	if err := netMux.Add(-1, netInt.ReadFD(), kernel.Readable); err != nil {
		return nil, fmt.Errorf("sockcore: arm net interrupter: %w", err)
	}

	watcher, err := kernel.NewWaitSet()
	if err != nil {
		return nil, fmt.Errorf("sockcore: handle watcher: %w", err)
	}
	watchInt, err := kernel.NewInterrupter()
	if err != nil {
		return nil, fmt.Errorf("sockcore: watcher interrupter: %w", err)
	}
	if err := watcher.Add(-1, watchInt.ReadFD(), kernel.Readable); err != nil {
		return nil, fmt.Errorf("sockcore: arm watcher interrupter: %w", err)
	}

	c := &Core{
		cfg:             cfg,
		backend:         backend,
		log:             log,
		pool:            NewBufferPool(cfg.SlabSize),
		netWait:         NewRequestQueue(),
		clientWait:      NewRequestQueue(),
		sockets:         make(map[int]*IOState),
		netMux:          netMux,
		netInterupt:     netInt,
		netArmed:        make(map[int]kernel.Signals),
		watcher:         watcher,
		watcherInterupt: watchInt,
		watchArmed:      make(map[int32]kernel.Signals),
		cookieFD:        make(map[int32]int),
		cookieIOState:   make(map[int32]*IOState),
		runnerCh:        make(chan *Request, 64),
	}

	root := newIOState(HandleNone)
	rioServer, rioClient := kernel.NewChannelPair()
	root.RioEndpoint = rioServer
	c.root = root
	c.RootClient = rioClient
	c.spawnDispatch(root)

	return c, nil
}

// Run starts the three long-running loops and blocks until ctx is
// canceled or one of them fails, matching spec §5's "three threads: the
// RIO dispatcher, the net multiplexer, the handle watcher" (the RIO
// dispatcher here is realized as one goroutine per registered control
// channel, each feeding the same runner; see dispatcher.go).
func (c *Core) Run(ctx context.Context) error {
	runnerStop := make(chan struct{})
	runnerDone := make(chan error, 1)
	go func() { runnerDone <- c.runRunner(runnerStop) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.runNetMux(gctx) })
	g.Go(func() error { return c.runWatcher(gctx) })

	// epoll_wait(-1) in the other two loops isn't woken by ctx.Done()
	// directly; the self-pipe interrupters (spec §6) exist for exactly
	// this, so nudge both on shutdown.
	g.Go(func() error {
		<-gctx.Done()
		_ = c.netInterupt.Interrupt()
		_ = c.watcherInterupt.Interrupt()
		return nil
	})

	err := g.Wait()

	// Close every control channel so each dispatch goroutine's blocked
	// Recv unblocks and posts its final OpClose; the runner must still be
	// draining runnerCh for that post to land, so only stop it once every
	// dispatch goroutine has actually exited.
	c.shutdownChannels()
	c.dispatchWG.Wait()
	close(runnerStop)
	if rerr := <-runnerDone; err == nil {
		err = rerr
	}

	return err
}

// shutdownChannels closes every registered control channel so the
// per-channel dispatch goroutines unblock from Recv and exit.
func (c *Core) shutdownChannels() {
	_ = c.root.RioEndpoint.Close()
	c.socketsMu.RLock()
	socks := make([]*IOState, 0, len(c.sockets))
	for _, ios := range c.sockets {
		socks = append(socks, ios)
	}
	c.socketsMu.RUnlock()
	for _, ios := range socks {
		if ios.RioEndpoint != nil {
			_ = ios.RioEndpoint.Close()
		}
	}
}

func (c *Core) getSocket(fd int) (*IOState, bool) {
	c.socketsMu.RLock()
	defer c.socketsMu.RUnlock()
	ios, ok := c.sockets[fd]
	return ios, ok
}

func (c *Core) putSocket(ios *IOState) {
	c.socketsMu.Lock()
	defer c.socketsMu.Unlock()
	c.sockets[ios.SockFD] = ios
}

func (c *Core) dropSocket(fd int) {
	c.socketsMu.Lock()
	defer c.socketsMu.Unlock()
	delete(c.sockets, fd)
}
