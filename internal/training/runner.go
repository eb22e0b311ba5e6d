package training

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sourcegraph/conc/panics"
)

// Status lines emitted by the runner around a job.
const (
	msgStarting = "Iniciando treinamento..."
	msgLogPath  = "Logs armazenados em: %s"
	msgFinished = "Treinamento finalizado com sucesso!"
	msgFailed   = "Erro durante o treinamento: %s"
)

// TerminalResult is the single outcome of a run.
type TerminalResult struct {
	Success bool
	Err     error // nil on success
}

type runnerState int

const (
	runnerIdle runnerState = iota
	runnerRunning
	runnerDone
)

// Runner executes one Job on a background goroutine and relays its log
// lines, epoch metrics and final result to subscribers.
//
// Subscriber callbacks are invoked from a single delivery goroutine, one at
// a time and in emission order, so observers need no locking of their own.
// The terminal callback is always the last one invoked. A Runner is
// single-use.
type Runner struct {
	logRoot string
	logger  *slog.Logger

	mu       sync.Mutex
	job      *Job
	state    runnerState
	logPath  string
	result   TerminalResult
	logs     registry[LogLine]
	progress registry[EpochMetrics]
	terminal registry[TerminalResult]

	box  *mailbox
	done chan struct{}
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogRoot sets the directory under which run log paths are derived.
func WithLogRoot(root string) Option {
	return func(r *Runner) { r.logRoot = root }
}

// WithLogger sets the logger for runner diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// NewRunner creates an idle runner.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		logRoot: DefaultLogRoot,
		logger:  slog.Default(),
		box:     newMailbox(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Configure binds the job this runner will execute.
func (r *Runner) Configure(job *Job) error {
	if job == nil {
		return fmt.Errorf("%w: nil job", ErrInvalidJob)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.job != nil {
		return ErrAlreadyConfigured
	}
	r.job = job
	return nil
}

// SubscribeLog registers fn for every log line.
func (r *Runner) SubscribeLog(fn func(LogLine)) (unsubscribe func()) {
	r.mu.Lock()
	id := r.logs.add(fn)
	r.mu.Unlock()
	return r.unsubscriber(func() { r.logs.remove(id) })
}

// SubscribeProgress registers fn for the metrics of every completed epoch.
func (r *Runner) SubscribeProgress(fn func(EpochMetrics)) (unsubscribe func()) {
	r.mu.Lock()
	id := r.progress.add(fn)
	r.mu.Unlock()
	return r.unsubscriber(func() { r.progress.remove(id) })
}

// SubscribeTerminal registers fn for the final result.
func (r *Runner) SubscribeTerminal(fn func(TerminalResult)) (unsubscribe func()) {
	r.mu.Lock()
	id := r.terminal.add(fn)
	r.mu.Unlock()
	return r.unsubscriber(func() { r.terminal.remove(id) })
}

func (r *Runner) unsubscriber(remove func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			remove()
			r.mu.Unlock()
		})
	}
}

// Start begins executing the configured job and returns immediately.
//
// Cancelling ctx does not stop the job: once started it runs to completion
// or failure. Start returns ErrNoJob, ErrAlreadyRunning or ErrRunnerSpent
// without side effects when the runner cannot start.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	var err error
	switch {
	case r.job == nil:
		err = ErrNoJob
	case r.state == runnerRunning:
		err = ErrAlreadyRunning
	case r.state == runnerDone:
		err = ErrRunnerSpent
	}
	if err != nil {
		r.mu.Unlock()
		r.logger.Warn("training start ignored", "error", err)
		return err
	}
	r.state = runnerRunning
	job := r.job
	r.mu.Unlock()

	r.logger.Info("training started", "run", job.RunID(), "epochs", job.Epochs())

	go func() {
		r.box.drain()
		close(r.done)
	}()
	go r.run(context.WithoutCancel(ctx), job)
	return nil
}

// Running reports whether a job is in flight.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == runnerRunning
}

// LogPath returns the run directory derived for the job, or "" before it
// has been derived.
func (r *Runner) LogPath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logPath
}

// Done is closed after the terminal callbacks have returned. It is never
// closed if Start did not succeed.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run has finished or ctx is done. It returns
// ErrNotStarted at once if Start has not succeeded.
func (r *Runner) Wait(ctx context.Context) (TerminalResult, error) {
	r.mu.Lock()
	started := r.state != runnerIdle
	r.mu.Unlock()
	if !started {
		return TerminalResult{}, ErrNotStarted
	}

	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.result, nil
	case <-ctx.Done():
		return TerminalResult{}, ctx.Err()
	}
}

func (r *Runner) run(ctx context.Context, job *Job) {
	ch := NewLogChannel()
	unsubscribe := ch.Subscribe(func(line LogLine) {
		r.box.put(func() { r.deliverLog(line) })
	})

	result := r.execute(ctx, job, ch)
	unsubscribe()

	if result.Success {
		r.logger.Info("training finished", "run", job.RunID())
	} else {
		r.logger.Error("training failed", "run", job.RunID(), "error", result.Err)
	}

	r.box.put(func() { r.deliverTerminal(result) })
	r.box.close()
}

// execute runs the job and converts every failure, panics included, into a
// failed result preceded by an error line.
func (r *Runner) execute(ctx context.Context, job *Job, ch *LogChannel) TerminalResult {
	var err error
	var pc panics.Catcher
	pc.Try(func() {
		err = r.runJob(ctx, job, ch)
	})
	if rec := pc.Recovered(); rec != nil {
		err = panicError(rec)
	}

	if err != nil {
		ch.Emit(fmt.Sprintf(msgFailed, err))
		return TerminalResult{Success: false, Err: err}
	}
	ch.Emit(msgFinished)
	return TerminalResult{Success: true}
}

func (r *Runner) runJob(ctx context.Context, job *Job, ch *LogChannel) error {
	logPath, err := DeriveRunLogPath(r.logRoot, job.RunID())
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.logPath = logPath
	r.mu.Unlock()

	ch.Emit(msgStarting)
	ch.Emit(fmt.Sprintf(msgLogPath, logPath))

	return job.Run(ctx, logPath, ch, func(m EpochMetrics) {
		r.box.put(func() { r.deliverProgress(m) })
	})
}

func (r *Runner) deliverLog(line LogLine) {
	r.mu.Lock()
	fns := r.logs.snapshot()
	r.mu.Unlock()
	for _, fn := range fns {
		r.invoke("log", func() { fn(line) })
	}
}

func (r *Runner) deliverProgress(m EpochMetrics) {
	r.mu.Lock()
	fns := r.progress.snapshot()
	r.mu.Unlock()
	for _, fn := range fns {
		r.invoke("progress", func() { fn(m) })
	}
}

func (r *Runner) deliverTerminal(result TerminalResult) {
	r.mu.Lock()
	r.result = result
	r.state = runnerDone
	fns := r.terminal.snapshot()
	r.mu.Unlock()
	for _, fn := range fns {
		r.invoke("terminal", func() { fn(result) })
	}
}

// invoke shields the delivery goroutine from a panicking subscriber.
func (r *Runner) invoke(kind string, fn func()) {
	var pc panics.Catcher
	pc.Try(fn)
	if rec := pc.Recovered(); rec != nil {
		r.logger.Error("subscriber panicked", "kind", kind, "panic", rec.Value)
	}
}
