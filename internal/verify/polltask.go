package verify

import (
	"context"
	"sync"
	"time"
)

// PollFunc is one poll attempt. done=true ends the task successfully.
type PollFunc func(ctx context.Context) (done bool, err error)

// PollResult is how a task ended.
type PollResult int

const (
	PollRunning PollResult = iota
	PollSucceeded
	PollExhausted
	PollStopped
)

func (r PollResult) String() string {
	switch r {
	case PollRunning:
		return "running"
	case PollSucceeded:
		return "succeeded"
	case PollExhausted:
		return "exhausted"
	case PollStopped:
		return "stopped"
	}
	return "unknown"
}

// PollStatus is a point-in-time view of a task.
type PollStatus struct {
	Attempts    int
	MaxAttempts int
	Running     bool
	Deadline    time.Time
	Result      PollResult
	// LastErr is the error of the most recent attempt, if any.
	LastErr error
	// Errors counts attempts that returned an error.
	Errors int
}

// PollTask runs fn every interval up to maxAttempts times. Once stopped it
// never counts another attempt and never reports success.
type PollTask struct {
	interval    time.Duration
	maxAttempts int
	fn          PollFunc

	mu      sync.Mutex
	status  PollStatus
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewPollTask(interval time.Duration, maxAttempts int, fn PollFunc) *PollTask {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &PollTask{
		interval:    interval,
		maxAttempts: maxAttempts,
		fn:          fn,
		status:      PollStatus{MaxAttempts: maxAttempts},
		done:        make(chan struct{}),
	}
}

// Start launches the loop. onDone runs once with the final status unless the
// task was stopped. A task starts at most once.
func (p *PollTask) Start(ctx context.Context, onDone func(PollStatus)) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.started = true
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.status.Running = true
	p.status.Deadline = time.Now().Add(time.Duration(p.maxAttempts) * p.interval)
	p.mu.Unlock()

	go p.loop(ctx, onDone)
	return nil
}

func (p *PollTask) loop(ctx context.Context, onDone func(PollStatus)) {
	defer close(p.done)
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			p.finish(PollStopped, nil)
			return
		case <-t.C:
		}

		if !p.beginAttempt() {
			return
		}
		ok, err := p.fn(ctx)

		p.mu.Lock()
		if p.status.Result == PollStopped {
			// Stop가 시도 도중에 불렸으면 결과를 버린다
			p.mu.Unlock()
			return
		}
		p.status.LastErr = err
		if err != nil {
			p.status.Errors++
		}
		var final PollResult
		switch {
		case ok && err == nil:
			final = PollSucceeded
		case p.status.Attempts >= p.maxAttempts:
			final = PollExhausted
		}
		if final != PollRunning {
			p.status.Result = final
			p.status.Running = false
			st := p.status
			p.mu.Unlock()
			p.cancel()
			if onDone != nil {
				onDone(st)
			}
			return
		}
		p.mu.Unlock()
	}
}

func (p *PollTask) beginAttempt() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status.Result == PollStopped {
		return false
	}
	p.status.Attempts++
	return true
}

func (p *PollTask) finish(r PollResult, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status.Result != PollRunning {
		return
	}
	p.status.Result = r
	p.status.Running = false
	if err != nil {
		p.status.LastErr = err
	}
}

// Stop cancels the task. It does not wait for an in-flight attempt.
func (p *PollTask) Stop() {
	p.mu.Lock()
	if p.status.Result == PollRunning {
		p.status.Result = PollStopped
		p.status.Running = false
	}
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the loop goroutine exits. It returns at once for a task
// that was never started.
func (p *PollTask) Wait() {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if started {
		<-p.done
	}
}

// Status returns a copy of the current status.
func (p *PollTask) Status() PollStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}
