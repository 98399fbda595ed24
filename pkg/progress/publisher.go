// Package progress fans job progress events out to subscribers.
//
// A single run loop owns all per-job state (sequence counters, last
// percentage, subscriber sets); callers reach it only through channels,
// so there are no shared mutable maps. Events for one job are delivered
// in publish order. Subscribers that fall behind lose events rather
// than block the pipeline; the sequence numbering makes the loss
// visible to them.
package progress

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Asdafers/contenitzer/pkg/schemas"
)

const (
	// subscriberBuffer is the per-subscriber channel capacity. A
	// consumer that falls further behind than this loses events.
	subscriberBuffer = 32

	// finishedRetention is how long a finished job's tombstone is kept
	// so late events are recognized and dropped instead of reopening
	// the stream.
	finishedRetention = 10 * time.Minute
)

// Publisher sequences and distributes progress events. Create with
// NewPublisher, start the loop with Run in its own goroutine, stop with
// Close.
type Publisher struct {
	log zerolog.Logger

	publishCh     chan publishRequest
	subscribeCh   chan *subscriber
	unsubscribeCh chan *subscriber

	done      chan struct{}
	closeOnce sync.Once
}

type publishRequest struct {
	jobID      string
	stage      schemas.JobState
	message    string
	percentage int
	metrics    map[string]any
	errCtx     *schemas.ErrorInfo
}

type subscriber struct {
	jobID      string
	ch         chan Event
	registered chan struct{}
	once       sync.Once
}

// jobStream is the loop-owned state for one job.
type jobStream struct {
	lastSeq   uint64
	lastPct   int
	startedAt time.Time
	subs      map[*subscriber]struct{}
}

func newJobStream() *jobStream {
	return &jobStream{subs: make(map[*subscriber]struct{})}
}

// NewPublisher creates a Publisher. The publish channel is buffered so
// short bursts do not stall the pipeline.
func NewPublisher(log zerolog.Logger) *Publisher {
	return &Publisher{
		log:           log.With().Str("component", "progress").Logger(),
		publishCh:     make(chan publishRequest, 128),
		subscribeCh:   make(chan *subscriber),
		unsubscribeCh: make(chan *subscriber),
		done:          make(chan struct{}),
	}
}

// Run executes the event loop. Call it in its own goroutine:
//
//	hub := progress.NewPublisher(log)
//	go hub.Run()
//
// Run returns after Close, closing every subscriber channel.
func (p *Publisher) Run() {
	streams := make(map[string]*jobStream)
	finished := make(map[string]time.Time)

	sweep := time.NewTicker(time.Minute)
	defer sweep.Stop()

	for {
		select {
		case <-p.done:
			for _, st := range streams {
				for sub := range st.subs {
					close(sub.ch)
				}
			}
			return

		case req := <-p.publishCh:
			p.deliver(streams, finished, req)

		case sub := <-p.subscribeCh:
			if _, over := finished[sub.jobID]; over {
				close(sub.ch)
				close(sub.registered)
				break
			}
			st := streams[sub.jobID]
			if st == nil {
				st = newJobStream()
				streams[sub.jobID] = st
			}
			st.subs[sub] = struct{}{}
			close(sub.registered)

		case sub := <-p.unsubscribeCh:
			st := streams[sub.jobID]
			if st == nil {
				// Stream already released; its channels are closed.
				break
			}
			if _, ok := st.subs[sub]; ok {
				delete(st.subs, sub)
				close(sub.ch)
			}
			if len(st.subs) == 0 && st.lastSeq == 0 {
				delete(streams, sub.jobID)
			}

		case now := <-sweep.C:
			for id, at := range finished {
				if now.Sub(at) > finishedRetention {
					delete(finished, id)
				}
			}
		}
	}
}

func (p *Publisher) deliver(streams map[string]*jobStream, finished map[string]time.Time, req publishRequest) {
	if _, over := finished[req.jobID]; over {
		p.log.Debug().
			Str("job_id", req.jobID).
			Str("stage", string(req.stage)).
			Msg("event after terminal state dropped")
		return
	}

	st := streams[req.jobID]
	if st == nil {
		st = newJobStream()
		streams[req.jobID] = st
	}
	now := time.Now()
	if st.startedAt.IsZero() {
		st.startedAt = now
	}

	terminal := req.stage.IsTerminal()
	if !terminal && req.percentage < st.lastPct {
		// An upstream defect, not something to show consumers.
		p.log.Warn().
			Str("job_id", req.jobID).
			Str("stage", string(req.stage)).
			Int("percentage", req.percentage).
			Int("last_percentage", st.lastPct).
			Msg("progress regression dropped")
		return
	}

	st.lastSeq++
	evt := Event{
		JobID:                     req.jobID,
		SequenceNumber:            st.lastSeq,
		Stage:                     req.stage,
		Message:                   req.message,
		Percentage:                req.percentage,
		EstimatedRemainingSeconds: estimateRemaining(st.startedAt, now, req.percentage, terminal),
		Metrics:                   req.metrics,
		ErrorContext:              req.errCtx,
	}
	if req.percentage > st.lastPct {
		st.lastPct = req.percentage
	}

	for sub := range st.subs {
		select {
		case sub.ch <- evt:
		default:
			// Drop if the subscriber is not keeping up.
		}
	}

	if terminal {
		for sub := range st.subs {
			close(sub.ch)
		}
		delete(streams, req.jobID)
		finished[req.jobID] = now
	}
}

// Publish emits one event for a job. The sequence number is assigned
// inside the event loop. Events that would move a non-terminal job's
// percentage backwards are logged and dropped.
func (p *Publisher) Publish(jobID string, stage schemas.JobState, message string, percentage int, metrics map[string]any, errCtx *schemas.ErrorInfo) {
	req := publishRequest{
		jobID:      jobID,
		stage:      stage,
		message:    message,
		percentage: percentage,
		metrics:    metrics,
		errCtx:     errCtx,
	}
	select {
	case p.publishCh <- req:
	case <-p.done:
	}
}

// Subscribe registers a consumer for one job's events. The returned
// channel is closed after the job's terminal event, on cancel, and on
// Close; subscribing to an already finished job yields a closed
// channel. The cancel function is idempotent and the caller must not
// close the channel itself.
func (p *Publisher) Subscribe(jobID string) (<-chan Event, func()) {
	sub := &subscriber{
		jobID:      jobID,
		ch:         make(chan Event, subscriberBuffer),
		registered: make(chan struct{}),
	}

	select {
	case p.subscribeCh <- sub:
		<-sub.registered
	case <-p.done:
		close(sub.ch)
	}

	cancel := func() {
		sub.once.Do(func() {
			select {
			case p.unsubscribeCh <- sub:
			case <-p.done:
			}
		})
	}
	return sub.ch, cancel
}

// Close stops the event loop. Safe to call more than once.
func (p *Publisher) Close() {
	p.closeOnce.Do(func() { close(p.done) })
}

// estimateRemaining projects the remaining wall-clock seconds assuming
// progress continues at the average rate so far.
func estimateRemaining(startedAt, now time.Time, percentage int, terminal bool) int {
	if terminal || percentage <= 0 || percentage >= 100 {
		return 0
	}
	elapsed := now.Sub(startedAt).Seconds()
	return int(elapsed*float64(100-percentage)/float64(percentage) + 0.5)
}
