package controller

import (
	"net"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/corral/internal/common/corralcontext"
	"github.com/armadaproject/corral/internal/common/corralerrors"
	"github.com/armadaproject/corral/internal/controller/locks"
	"github.com/armadaproject/corral/pkg/wire"
)

// request is one decoded client or agent message waiting for the event loop.
type request struct {
	ctx   *corralcontext.Context
	id    wire.Identity
	msg   wire.Message
	reply chan wire.Message
	// Set while the reply is deferred until some asynchronous work finishes.
	token    uint64
	answered bool
}

type outgoing struct {
	req  *request
	resp wire.Message
}

func (c *Controller) accept(ctx *corralcontext.Context, listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return errors.WithStack(err)
		}
		go c.serveConn(ctx, conn)
	}
}

// serveConn handles exactly one request on a connection.
func (c *Controller) serveConn(ctx *corralcontext.Context, conn net.Conn) {
	defer conn.Close()
	timeout := c.config.MessageTimeout
	frame, err := wire.Recv(conn, time.Now().Add(timeout))
	if err != nil {
		ctx.Log.WithError(err).Debugf("Unable to read request from %s", conn.RemoteAddr())
		if wire.IsProtocolError(err) || corralerrors.IsCode(err, corralerrors.CodeUnexpectedMessage) {
			c.replyOn(ctx, conn, wire.ReturnCodeFor(err))
		}
		return
	}
	id, err := c.auth.Verify(frame.Auth, time.Now())
	if err != nil {
		ctx.Log.WithError(err).Warnf("Rejected %s from %s", frame.Msg.Kind(), conn.RemoteAddr())
		if !frame.NoResponse() {
			c.replyOn(ctx, conn, wire.ReturnCodeFor(err))
		}
		return
	}
	reqCtx := corralcontext.WithLogFields(ctx, log.Fields{
		"kind": frame.Msg.Kind().String(),
		"uid":  id.Uid,
	})

	var resp wire.Message
	if c.isReadOnly(frame.Msg) {
		resp = c.serveQuery(reqCtx, id, frame.Msg)
	} else {
		req := &request{ctx: reqCtx, id: id, msg: frame.Msg, reply: make(chan wire.Message, 1)}
		select {
		case c.requests <- req:
		case <-ctx.Done():
			return
		case <-c.stopped:
			resp = wire.ReturnCodeFor(corralerrors.New(corralerrors.CodeShuttingDown, "controller is shutting down"))
		}
		if resp == nil {
			select {
			case resp = <-req.reply:
			case <-c.stopped:
				// The loop may have answered just before it exited.
				select {
				case resp = <-req.reply:
				default:
					resp = wire.ReturnCodeFor(corralerrors.New(corralerrors.CodeShuttingDown, "controller is shutting down"))
				}
			}
		}
	}
	if frame.NoResponse() {
		return
	}
	c.replyOn(reqCtx, conn, resp)
}

func (c *Controller) replyOn(ctx *corralcontext.Context, conn net.Conn, msg wire.Message) {
	if err := wire.Reply(conn, c.auth, c.dialer.Identity, msg, time.Now(), c.config.MessageTimeout); err != nil {
		ctx.Log.WithError(err).Debugf("Unable to reply to %s", conn.RemoteAddr())
	}
}

func (c *Controller) isReadOnly(msg wire.Message) bool {
	switch msg.(type) {
	case *wire.Ping, *wire.LoadJobs, *wire.LoadNodes, *wire.LoadPartitions, *wire.JobAllocationInfo:
		return true
	}
	return false
}

// complete hands fn to the event loop. It is called by workers; fn is dropped if the loop has exited.
func (c *Controller) complete(fn func()) {
	select {
	case c.completions <- fn:
	case <-c.stopped:
	}
}

// run is the event loop. It owns all mutable controller state and holds the write lock while it
// processes each event.
func (c *Controller) run(ctx *corralcontext.Context) error {
	defer close(c.stopped)
	ticker := c.clock.NewTicker(c.config.SchedulerInterval)
	defer ticker.Stop()

	c.requestRegistrations()
	c.startup.MarkComplete()
	c.needSchedule = true
	c.event(ctx, func() {})

	for {
		select {
		case <-ctx.Done():
			c.shutdown(ctx)
			return ctx.Err()
		case req := <-c.requests:
			c.event(ctx, func() { c.process(req) })
		case fn := <-c.completions:
			c.event(ctx, fn)
		case <-ticker.C():
			c.event(ctx, func() { c.tick(ctx) })
		}
		if c.fatal != nil {
			ctx.Log.WithError(c.fatal).Error("Controller stopping after fatal error")
			c.failWaiting(c.fatal)
			return c.fatal
		}
		if c.shuttingDown {
			c.shutdown(ctx)
			return nil
		}
	}
}

// event runs fn under the write lock and then settles the consequences: pending jobs are scheduled,
// node changes journaled and replies released once durable.
func (c *Controller) event(ctx *corralcontext.Context, fn func()) {
	unlock := c.locks.Lock(locks.WriteAll)
	defer unlock()
	fn()
	if c.needSchedule && !c.shuttingDown {
		c.needSchedule = false
		c.schedule(ctx)
	}
	c.recordEnded(ctx)
	c.journalTopology()
	c.flushOutbox()
}

// process dispatches a request to its handler. A nil response with a nil error means the handler
// deferred its reply.
func (c *Controller) process(req *request) {
	resp, err := c.dispatch(req)
	if resp == nil && err == nil {
		c.nextToken++
		req.token = c.nextToken
		c.waiting[req.token] = req
		return
	}
	c.respond(req, resp, err)
}

// respond queues a reply. Replies leave once every change made so far is durable.
func (c *Controller) respond(req *request, resp wire.Message, err error) {
	if req.answered {
		return
	}
	req.answered = true
	if err != nil {
		req.ctx.Log.WithError(err).Debugf("Request failed")
		resp = wire.ReturnCodeFor(err)
	} else if resp == nil {
		resp = wire.ReturnCodeFor(nil)
	}
	if req.token != 0 {
		delete(c.waiting, req.token)
		req.token = 0
	}
	c.outbox = append(c.outbox, outgoing{req: req, resp: resp})
}

func (c *Controller) flushOutbox() {
	if len(c.outbox) == 0 {
		return
	}
	out := c.outbox
	c.outbox = nil
	c.whenDurable(func() {
		for _, o := range out {
			o.req.reply <- o.resp
		}
	})
}

// failWaiting answers every request still waiting with err.
func (c *Controller) failWaiting(err error) {
	rc := wire.ReturnCodeFor(err)
	for token, req := range c.waiting {
		req.answered = true
		req.reply <- rc
		delete(c.waiting, token)
	}
	// Connections whose replies were waiting on a sync see the loop stop and report it.
	c.syncWaiters = nil
	for _, o := range c.outbox {
		o.req.reply <- rc
	}
	c.outbox = nil
}

// shutdown checkpoints state on the way out. Replies still waiting on a sync are released once the
// checkpoint has made them durable.
func (c *Controller) shutdown(ctx *corralcontext.Context) {
	unlock := c.locks.Lock(locks.WriteAll)
	defer unlock()
	c.flushOutbox()
	state := c.snapshot()
	if err := c.journal.Checkpoint(state); err != nil {
		ctx.Log.WithError(err).Error("Unable to write checkpoint on shutdown")
		c.failWaiting(corralerrors.Newf(corralerrors.CodePersistence, "checkpoint failed: %v", err))
		return
	}
	c.releaseWaiters(c.journal.Durable())
	c.failWaiting(corralerrors.New(corralerrors.CodeShuttingDown, "controller is shutting down"))
	ctx.Log.Infof("Checkpointed %d jobs on shutdown", len(state.Jobs))
}
