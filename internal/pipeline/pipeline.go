package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rjboer/iqstream/internal/logging"
	"github.com/rjboer/iqstream/internal/metrics"
	"github.com/rjboer/iqstream/internal/queue"
	"github.com/rjboer/iqstream/internal/sdr"
	"github.com/rjboer/iqstream/internal/transport"
)

// State is the pipeline lifecycle position.
type State int32

const (
	Idle State = iota
	Running
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var allStates = []string{"idle", "running", "draining", "stopped"}

// ErrInvalidState is returned by Start when the pipeline is not Idle.
var ErrInvalidState = errors.New("pipeline: invalid state")

// sendErrorLogEvery throttles transport error and refusal logging to the
// first occurrence and then one line per this many.
const sendErrorLogEvery = 1000

// Options tunes a Pipeline.
type Options struct {
	Capacity int
	Policy   queue.Policy
	Logger   logging.Logger
	Metrics  *metrics.Pipeline
	StreamID string
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	FramesRead    uint64
	FramesDropped uint64
	FramesSent    uint64
	Datagrams     uint64
	SendErrors    uint64
	Refused       uint64
	QueueLen      int
}

// Pipeline copies frames from a source to a sink through a bounded queue:
// a producer loop reads the source and pushes, a consumer loop pops and
// sends. The queue is the only state the two loops share.
type Pipeline struct {
	src     sdr.Source
	sink    transport.Sink
	q       *queue.FrameQueue
	logger  logging.Logger
	metrics *metrics.Pipeline

	mu     sync.Mutex
	state  State
	err    error
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error

	framesRead atomic.Uint64
	framesSent atomic.Uint64
	datagrams  atomic.Uint64
	sendErrors atomic.Uint64
	refused    atomic.Uint64

	// refusedSeen is the sink's last reported total; consumer goroutine only.
	refusedSeen uint64
}

// New wires src and sink. The pipeline owns both and releases them in Close.
func New(src sdr.Source, sink transport.Sink, opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.With(logging.F("subsystem", "pipeline"))
	if opts.StreamID != "" {
		logger = logger.With(logging.F("stream", opts.StreamID))
	}
	p := &Pipeline{
		src:     src,
		sink:    sink,
		q:       queue.New(opts.Capacity, opts.Policy),
		logger:  logger,
		metrics: opts.Metrics,
		done:    make(chan struct{}),
	}
	p.metrics.State(Idle.String(), allStates)
	return p
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.setStateLocked(s)
	p.mu.Unlock()
}

func (p *Pipeline) setStateLocked(s State) {
	if p.state == s {
		return
	}
	p.logger.Debug("state change", logging.F("from", p.state), logging.F("to", s))
	p.state = s
	p.metrics.State(s.String(), allStates)
}

// Err returns the fatal device error that stopped the pipeline, if any.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Done is closed once the pipeline reaches Stopped.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// Start moves Idle to Running and launches both loops. Cancelling ctx has
// the same effect as Stop.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Idle {
		return fmt.Errorf("%w: start from %s", ErrInvalidState, p.state)
	}

	prodCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	producerDone := make(chan struct{})
	consumerDone := make(chan struct{})

	go func() {
		defer close(producerDone)
		p.produce(prodCtx)
	}()
	go func() {
		defer close(consumerDone)
		p.consume()
	}()
	go p.supervise(producerDone, consumerDone)

	p.setStateLocked(Running)
	info := p.src.Info()
	p.logger.Info("pipeline started",
		logging.F("device", info.Name),
		logging.F("sample_rate", info.SampleRate),
		logging.F("center_freq", info.CenterFreq),
		logging.F("gain", info.Gain),
		logging.F("frame_size", info.FrameSize),
		logging.F("queue_capacity", p.q.Cap()),
		logging.F("policy", p.q.Policy()))
	return nil
}

// supervise drains and finalizes once the producer has exited.
func (p *Pipeline) supervise(producerDone, consumerDone <-chan struct{}) {
	<-producerDone
	p.mu.Lock()
	if p.state == Running {
		p.setStateLocked(Draining)
	}
	p.mu.Unlock()

	p.q.Close()
	<-consumerDone

	p.mu.Lock()
	p.cancel()
	p.setStateLocked(Stopped)
	err := p.err
	p.mu.Unlock()
	close(p.done)

	st := p.Stats()
	fields := []logging.Field{
		logging.F("frames_read", st.FramesRead),
		logging.F("frames_sent", st.FramesSent),
		logging.F("frames_dropped", st.FramesDropped),
		logging.F("datagrams", st.Datagrams),
		logging.F("send_errors", st.SendErrors),
		logging.F("refused", st.Refused),
	}
	if err != nil {
		p.logger.Error("pipeline stopped on device error", append(fields, logging.Err(err))...)
		return
	}
	p.logger.Info("pipeline stopped", fields...)
}

func (p *Pipeline) produce(ctx context.Context) {
	// A frame already read when Stop arrives is still queued for the drain.
	pushCtx := context.WithoutCancel(ctx)
	for ctx.Err() == nil {
		f, err := p.src.NextFrame(ctx)
		if err != nil {
			if ctx.Err() != nil && !sdr.IsDeviceError(err) {
				return
			}
			if !sdr.IsDeviceError(err) {
				err = &sdr.DeviceError{Device: p.src.Info().Name, Op: "read", Err: err}
			}
			p.mu.Lock()
			p.err = err
			p.mu.Unlock()
			p.logger.Error("device read failed", logging.Err(err))
			return
		}
		p.framesRead.Add(1)
		p.metrics.FrameRead()

		dropped, err := p.q.Push(pushCtx, f)
		if err != nil {
			return
		}
		if dropped {
			p.metrics.FrameDropped()
			p.logger.Debug("queue full, dropped oldest frame", logging.F("seq", f.Seq))
		}
		p.metrics.QueueDepth(p.q.Len())
	}
}

func (p *Pipeline) consume() {
	for {
		f, err := p.q.Pop(context.Background())
		if err != nil {
			// ErrClosed: queue drained after shutdown.
			return
		}
		n, err := p.sink.Send(f)
		p.datagrams.Add(uint64(n))
		p.metrics.DatagramsSent(n)
		p.noteRefused()
		if err != nil {
			count := p.sendErrors.Add(1)
			p.metrics.SendError()
			if count == 1 || count%sendErrorLogEvery == 0 {
				p.logger.Warn("send failed", logging.F("seq", f.Seq), logging.F("send_errors", count), logging.Err(err))
			}
		} else {
			p.framesSent.Add(1)
			latency := 0.0
			if !f.Time.IsZero() {
				latency = time.Since(f.Time).Seconds()
			}
			p.metrics.FrameSent(latency)
		}
		p.metrics.QueueDepth(p.q.Len())
	}
}

// noteRefused folds new refusals reported by the sink into the counters.
func (p *Pipeline) noteRefused() {
	rc, ok := p.sink.(transport.RefusalCounter)
	if !ok {
		return
	}
	total := rc.Refused()
	if total <= p.refusedSeen {
		return
	}
	delta := total - p.refusedSeen
	p.refusedSeen = total
	p.metrics.DatagramsRefused(delta)
	after := p.refused.Add(delta)
	before := after - delta
	if before == 0 || before/sendErrorLogEvery != after/sendErrorLogEvery {
		p.logger.Warn("destination refused datagrams", logging.F("refused", after))
	}
}

// Stop stops reading the source, flushes queued frames to the sink and
// waits for both loops to exit. A source read in flight is allowed to
// finish first. If ctx ends before that, Stop returns ctx.Err() and the
// pipeline keeps draining in the background. Otherwise it returns the
// device error that stopped the pipeline, if any.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	switch p.state {
	case Idle:
		p.setStateLocked(Stopped)
		close(p.done)
		p.mu.Unlock()
		return nil
	case Running:
		p.setStateLocked(Draining)
	}
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	select {
	case <-p.done:
		return p.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases the source and the sink. Call it after Stop; closing a
// source also unblocks a read that Stop could not wait out.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = errors.Join(p.src.Close(), p.sink.Close())
	})
	return p.closeErr
}

// Stats returns current counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		FramesRead:    p.framesRead.Load(),
		FramesDropped: p.q.Dropped(),
		FramesSent:    p.framesSent.Load(),
		Datagrams:     p.datagrams.Load(),
		SendErrors:    p.sendErrors.Load(),
		Refused:       p.refused.Load(),
		QueueLen:      p.q.Len(),
	}
}
