package systems

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/spaghettifunk/anima-rt/engine/core"
)

// Job is one unit of work for the JobSystem.
type Job struct {
	Name string
	// Run is invoked on a worker goroutine. Required.
	Run func() error
	// OnFailure is invoked with the error returned by Run. Optional.
	OnFailure func(err error)
	// OnCompletion always runs after Run and OnFailure. Optional.
	OnCompletion func()
}

type JobSystem struct {
	numWorkers int
	jobQueue   chan Job
	wg         sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

var ErrNoWorkers = errors.New("attempting to create worker pool with less than 1 worker")
var ErrNegativeChannelSize = errors.New("attempting to create worker pool with a negative channel size")
var ErrJobSystemClosed = errors.New("job system already shut down")

// NewJobSystem starts numWorkers workers. A single worker executes jobs in
// submission order.
func NewJobSystem(numWorkers int, channelSize int) (*JobSystem, error) {
	if numWorkers <= 0 {
		return nil, ErrNoWorkers
	}
	if channelSize < 0 {
		return nil, ErrNegativeChannelSize
	}

	js := &JobSystem{
		numWorkers: numWorkers,
		jobQueue:   make(chan Job, channelSize),
	}

	js.start()

	return js, nil
}

func (js *JobSystem) start() {
	for i := 0; i < js.numWorkers; i++ {
		js.wg.Add(1)
		go func() {
			defer js.wg.Done()
			for job := range js.jobQueue {
				if err := job.Run(); err != nil {
					core.LogError("job %q failed: %s", job.Name, err)
					if job.OnFailure != nil {
						job.OnFailure(err)
					}
				}

				if job.OnCompletion != nil {
					job.OnCompletion()
				}
			}
		}()
	}
}

/**
 * @brief Shuts the job system down. Queued jobs are still executed.
 */
func (js *JobSystem) Shutdown() error {
	js.mu.Lock()
	if js.closed {
		js.mu.Unlock()
		return nil
	}
	js.closed = true
	close(js.jobQueue)
	js.mu.Unlock()

	js.wg.Wait()
	return nil
}

/**
 * @brief Submits the provided job to be queued for execution. Blocks while the
 * queue is full.
 */
func (js *JobSystem) Submit(job Job) error {
	js.mu.Lock()
	defer js.mu.Unlock()
	if js.closed {
		return ErrJobSystemClosed
	}
	js.jobQueue <- job
	return nil
}
