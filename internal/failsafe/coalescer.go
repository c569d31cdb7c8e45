package failsafe

import (
	"context"
	"sync"
	"time"

	"ups_failsafe/internal/logger"
	"ups_failsafe/internal/metrics"
	"ups_failsafe/internal/models"
)

const defaultSinkTimeout = 10 * time.Second

type jobKind int

const (
	jobPublish jobKind = iota
	jobOneShot
	jobReset
)

type job struct {
	kind    jobKind
	content models.Notification
}

// channelQueue serializes all work for one logical channel. handle is the id
// of the live status message, empty when the next publish must send.
type channelQueue struct {
	name     string
	mu       sync.Mutex
	pending  []job
	draining bool
	handle   string
}

// NotificationCoalescer keeps one live message per channel and edits it in
// place. Calls never block: work is queued per channel and drained in
// submission order by a single goroutine, so an edit always sees the id of
// the send issued before it.
type NotificationCoalescer struct {
	sink    Sink
	log     *logger.Logger
	timeout time.Duration

	mu       sync.Mutex
	channels map[string]*channelQueue
	inflight int
	idle     *sync.Cond
}

// NewCoalescer returns a coalescer delivering to sink.
func NewCoalescer(sink Sink, log *logger.Logger) *NotificationCoalescer {
	if log == nil {
		log = logger.Nop()
	}
	c := &NotificationCoalescer{
		sink:     sink,
		log:      log,
		timeout:  defaultSinkTimeout,
		channels: make(map[string]*channelQueue),
	}
	c.idle = sync.NewCond(&c.mu)
	return c
}

// Publish creates the channel's message or edits it in place.
func (c *NotificationCoalescer) Publish(channel string, content models.Notification) {
	c.enqueue(channel, job{kind: jobPublish, content: content})
}

// PublishOneShot always sends a new message and leaves the handle alone.
func (c *NotificationCoalescer) PublishOneShot(channel string, content models.Notification) {
	c.enqueue(channel, job{kind: jobOneShot, content: content})
}

// ResetChannel forgets the live message once earlier work has been delivered.
func (c *NotificationCoalescer) ResetChannel(channel string) {
	c.enqueue(channel, job{kind: jobReset})
}

// Handle returns the id of the channel's live message.
func (c *NotificationCoalescer) Handle(channel string) (string, bool) {
	q := c.queue(channel)
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.handle, q.handle != ""
}

// Wait blocks until every queued job has been processed.
func (c *NotificationCoalescer) Wait() {
	c.mu.Lock()
	for c.inflight > 0 {
		c.idle.Wait()
	}
	c.mu.Unlock()
}

func (c *NotificationCoalescer) queue(name string) *channelQueue {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.channels[name]
	if !ok {
		q = &channelQueue{name: name}
		c.channels[name] = q
	}
	return q
}

func (c *NotificationCoalescer) enqueue(channel string, j job) {
	q := c.queue(channel)

	c.mu.Lock()
	c.inflight++
	c.mu.Unlock()

	q.mu.Lock()
	q.pending = append(q.pending, j)
	start := !q.draining
	q.draining = true
	q.mu.Unlock()

	if start {
		go c.drain(q)
	}
}

func (c *NotificationCoalescer) drain(q *channelQueue) {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		j := q.pending[0]
		q.pending[0] = job{}
		q.pending = q.pending[1:]
		handle := q.handle
		q.mu.Unlock()

		c.process(q, j, handle)

		c.mu.Lock()
		c.inflight--
		if c.inflight == 0 {
			c.idle.Broadcast()
		}
		c.mu.Unlock()
	}
}

func (c *NotificationCoalescer) process(q *channelQueue, j job, handle string) {
	switch j.kind {
	case jobReset:
		q.setHandle("")
	case jobOneShot:
		if _, err := c.send(j.content); err != nil {
			c.log.Warnw("notification_send_failed", "channel", q.name, "title", j.content.Title, "err", err)
		}
	case jobPublish:
		if handle == "" {
			id, err := c.send(j.content)
			if err != nil {
				c.log.Warnw("notification_send_failed", "channel", q.name, "title", j.content.Title, "err", err)
				return
			}
			q.setHandle(id)
			return
		}
		if err := c.edit(handle, j.content); err != nil {
			c.log.Warnw("notification_edit_failed", "channel", q.name, "message_id", handle, "err", err)
		}
	}
}

func (c *NotificationCoalescer) send(n models.Notification) (string, error) {
	if c.sink == nil {
		return "", nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	id, err := c.sink.Send(ctx, n)
	metrics.ObserveNotification("send", err)
	return id, err
}

func (c *NotificationCoalescer) edit(id string, n models.Notification) error {
	if c.sink == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	err := c.sink.Edit(ctx, id, n)
	metrics.ObserveNotification("edit", err)
	return err
}

func (q *channelQueue) setHandle(id string) {
	q.mu.Lock()
	q.handle = id
	q.mu.Unlock()
}
