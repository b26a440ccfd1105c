// Package heimdall assembles an Emitter with the sink its runtime calls for:
// a durable batching queue in browser and edge runtimes, direct persistence
// on the server.
package heimdall

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/austindbirch/heimdall/internal/config"
	"github.com/austindbirch/heimdall/internal/emitter"
	"github.com/austindbirch/heimdall/internal/event"
	"github.com/austindbirch/heimdall/internal/logging"
	"github.com/austindbirch/heimdall/internal/queue"
	"github.com/austindbirch/heimdall/internal/transport"
)

// ErrNoWriter is returned when the server runtime is selected without a store
var ErrNoWriter = errors.New("server runtime requires an event writer")

type Options struct {
	Runtime event.Runtime // empty selects event.DetectRuntime
	Client  config.Client

	// Writer persists events in the server runtime.
	Writer emitter.EventWriter

	// Storage and Sender override the client queue's defaults.
	Storage queue.Storage
	Sender  queue.Sender

	// PersistOnClose keeps whatever Close could not deliver in storage for
	// the next session instead of handing it to the beacon path.
	PersistOnClose bool

	Logger     *logging.Logger
	ConsoleOut io.Writer
	Path       func() string
}

// Client is an Emitter bound to its sink
type Client struct {
	*emitter.Emitter

	queue  *queue.Queue
	direct *emitter.DirectSink
	stop   func()

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// New selects the sink for the runtime once and starts the queue's flush loop
// for client runtimes. The loop lives until ctx is cancelled or Close is called.
func New(ctx context.Context, opts Options) (*Client, error) {
	rt := opts.Runtime
	if rt == "" {
		rt = event.DetectRuntime()
	}
	if !rt.Valid() {
		return nil, errors.New("unknown runtime " + string(rt))
	}
	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}

	emOpts := emitter.Development(rt)
	if opts.Client.Production {
		emOpts = emitter.Production(rt)
	} else if opts.Client.ConsoleLevel != "" {
		emOpts.ConsoleLevel = logging.ParseLevel(opts.Client.ConsoleLevel)
	}
	emOpts.ConsoleOut = opts.ConsoleOut
	emOpts.Path = opts.Path

	c := &Client{done: make(chan struct{})}

	if !rt.Client() {
		if opts.Writer == nil {
			return nil, ErrNoWriter
		}
		c.direct = emitter.NewDirectSink(opts.Writer, opts.Client.RequestTimeout, log)
		c.Emitter = emitter.New(c.direct, emOpts)
		close(c.done)
		return c, nil
	}

	store := opts.Storage
	if store == nil {
		store = defaultStorage(opts.Client)
	}
	sender := opts.Sender
	if sender == nil {
		sender = transport.NewHTTPSender(transport.Config{
			Endpoint: opts.Client.Endpoint,
			Timeout:  opts.Client.RequestTimeout,
			Compress: opts.Client.Compress,
		}, log)
	}
	if emOpts.Path == nil {
		emOpts.Path = defaultPath
	}

	c.queue = queue.New(store, sender, queue.Config{
		MaxBatchSize:  opts.Client.MaxBatchSize,
		BatchInterval: opts.Client.BatchInterval,
		MaxAttempts:   opts.Client.MaxAttempts,
		KeepOnStop:    opts.PersistOnClose,
	}, log)
	c.Emitter = emitter.New(c.queue, emOpts)
	c.stop = watch(c.queue)

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go func() {
		defer close(c.done)
		c.queue.Run(runCtx)
	}()
	return c, nil
}

// Queue returns the client queue, or nil in the server runtime
func (c *Client) Queue() *queue.Queue {
	return c.queue
}

// Close drains the sink. Client runtimes make one awaited flush before the
// loop stops; whatever fails stays in storage for the next session.
func (c *Client) Close(ctx context.Context) error {
	var err error
	c.once.Do(func() {
		if c.direct != nil {
			err = c.direct.Close(ctx)
			return
		}
		c.queue.Wait()
		err = c.queue.Flush(ctx)
		if c.stop != nil {
			c.stop()
		}
		c.cancel()
		select {
		case <-c.done:
		case <-ctx.Done():
			if err == nil {
				err = ctx.Err()
			}
		}
	})
	return err
}
