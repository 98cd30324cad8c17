package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnezell/ai-transcription-microservice-sub007/internal/config"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/observability"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/pipeline"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/queue"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/repository"
)

const intakeQueue = "pipeline-intake"

type memoryQueue struct {
	mu       sync.Mutex
	messages map[string][]queue.Message
	nextID   int
}

func newMemoryQueue() *memoryQueue {
	return &memoryQueue{messages: make(map[string][]queue.Message)}
}

func (q *memoryQueue) Publish(ctx context.Context, queueName string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	id := fmt.Sprintf("msg-%d", q.nextID)
	q.messages[queueName] = append(q.messages[queueName], queue.Message{ID: id, Body: data, Receipt: id})
	return nil
}

func (q *memoryQueue) Receive(ctx context.Context, queueName string, max int) ([]queue.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.messages[queueName]
	if len(msgs) > max {
		msgs = msgs[:max]
	}
	out := make([]queue.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (q *memoryQueue) Delete(ctx context.Context, queueName string, msg queue.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.messages[queueName]
	for i, m := range msgs {
		if m.Receipt == msg.Receipt {
			q.messages[queueName] = append(msgs[:i], msgs[i+1:]...)
			break
		}
	}
	return nil
}

func (q *memoryQueue) Health(ctx context.Context) error { return nil }

func (q *memoryQueue) Close() error { return nil }

func (q *memoryQueue) remaining(queueName string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages[queueName])
}

type memoryJobs struct {
	mu   sync.Mutex
	jobs map[string]*pipeline.Job
}

func newMemoryJobs() *memoryJobs {
	return &memoryJobs{jobs: make(map[string]*pipeline.Job)}
}

func (m *memoryJobs) Create(ctx context.Context, job *pipeline.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *job
	m.jobs[job.ID] = &copied
	return nil
}

func (m *memoryJobs) Get(ctx context.Context, id string) (*pipeline.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *job
	return &copied, nil
}

func (m *memoryJobs) Update(ctx context.Context, job *pipeline.Job) error { return nil }

func (m *memoryJobs) AdvanceStage(ctx context.Context, id string, from, to pipeline.Stage) (bool, error) {
	return false, nil
}

func (m *memoryJobs) CompleteStage(ctx context.Context, id string, stage pipeline.Stage, at time.Time) (bool, error) {
	return false, nil
}

func (m *memoryJobs) Resolve(ctx context.Context, id string, from, to pipeline.Stage, errorMessage *string) (bool, error) {
	return false, nil
}

func (m *memoryJobs) IncrementAttempts(ctx context.Context, id string) (int, error) { return 0, nil }

func (m *memoryJobs) ListByBatch(ctx context.Context, batchID string) ([]*pipeline.Job, error) {
	return nil, nil
}

func (m *memoryJobs) ListByStages(ctx context.Context, stages ...pipeline.Stage) ([]*pipeline.Job, error) {
	return nil, nil
}

func (m *memoryJobs) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (m *memoryJobs) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

type recordingSubmitter struct {
	mu   sync.Mutex
	jobs []*pipeline.Job
}

func (s *recordingSubmitter) Submit(job *pipeline.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
}

func (s *recordingSubmitter) submitted() []*pipeline.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*pipeline.Job(nil), s.jobs...)
}

func newTestConsumer(q queue.Queue, jobs repository.JobRepository, sub Submitter) *Consumer {
	cfg := &config.QueueConfig{Intake: intakeQueue, ReceiveMaxMessages: 10}
	return New(q, jobs, sub, cfg, observability.NewNopLogger(), observability.NewNopMetrics())
}

func TestDrainCreatesJobForNewSegment(t *testing.T) {
	q := newMemoryQueue()
	jobs := newMemoryJobs()
	sub := &recordingSubmitter{}
	c := newTestConsumer(q, jobs, sub)

	require.NoError(t, q.Publish(context.Background(), intakeQueue, map[string]string{
		"course_id":  "c1",
		"segment_id": "seg-0",
		"source_key": "uploads/c1/seg-0.mov",
	}))

	_, err := c.Drain(context.Background())
	require.NoError(t, err)

	submitted := sub.submitted()
	require.Len(t, submitted, 1)
	assert.Equal(t, "c1", submitted[0].CourseID)
	assert.Equal(t, "seg-0", submitted[0].SegmentID)
	assert.Equal(t, pipeline.StageQueued, submitted[0].Stage)
	// Default settings apply when the message carries none.
	assert.Equal(t, pipeline.SettingsVersion, submitted[0].Settings.Version)

	assert.Equal(t, 1, jobs.count())
	assert.Zero(t, q.remaining(intakeQueue))
}

func TestDrainResubmitsExistingJob(t *testing.T) {
	q := newMemoryQueue()
	jobs := newMemoryJobs()
	sub := &recordingSubmitter{}
	c := newTestConsumer(q, jobs, sub)

	job := pipeline.NewJob("c1", "seg-0", "uploads/c1/seg-0.mov", pipeline.DefaultSettings())
	require.NoError(t, jobs.Create(context.Background(), job))
	require.NoError(t, q.Publish(context.Background(), intakeQueue, map[string]string{"job_id": job.ID}))

	_, err := c.Drain(context.Background())
	require.NoError(t, err)

	submitted := sub.submitted()
	require.Len(t, submitted, 1)
	assert.Equal(t, job.ID, submitted[0].ID)
	// No second job record is created.
	assert.Equal(t, 1, jobs.count())
	assert.Zero(t, q.remaining(intakeQueue))
}

func TestDrainDropsTerminalAndUnknownJobs(t *testing.T) {
	q := newMemoryQueue()
	jobs := newMemoryJobs()
	sub := &recordingSubmitter{}
	c := newTestConsumer(q, jobs, sub)

	done := pipeline.NewJob("c1", "seg-0", "k", pipeline.DefaultSettings())
	done.Complete("")
	require.NoError(t, jobs.Create(context.Background(), done))

	require.NoError(t, q.Publish(context.Background(), intakeQueue, map[string]string{"job_id": done.ID}))
	require.NoError(t, q.Publish(context.Background(), intakeQueue, map[string]string{"job_id": "no-such-job"}))
	// Incomplete message: no job_id, missing source_key.
	require.NoError(t, q.Publish(context.Background(), intakeQueue, map[string]string{"course_id": "c1"}))

	_, err := c.Drain(context.Background())
	require.NoError(t, err)

	assert.Empty(t, sub.submitted())
	assert.Zero(t, q.remaining(intakeQueue))
}

func TestDrainDeadLettersUnprocessableMessages(t *testing.T) {
	q := newMemoryQueue()
	jobs := newMemoryJobs()
	sub := &recordingSubmitter{}
	cfg := &config.QueueConfig{Intake: intakeQueue, DeadLetter: "pipeline-dlq", ReceiveMaxMessages: 10}
	c := New(q, jobs, sub, cfg, observability.NewNopLogger(), observability.NewNopMetrics())

	q.mu.Lock()
	q.messages[intakeQueue] = append(q.messages[intakeQueue], queue.Message{ID: "m1", Body: []byte("{not json"), Receipt: "m1"})
	q.mu.Unlock()
	// Incomplete: neither a job_id nor a full segment description.
	require.NoError(t, q.Publish(context.Background(), intakeQueue, map[string]string{"course_id": "c1"}))

	_, err := c.Drain(context.Background())
	require.NoError(t, err)

	assert.Empty(t, sub.submitted())
	assert.Zero(t, q.remaining(intakeQueue))
	assert.Equal(t, 2, q.remaining("pipeline-dlq"))

	// The dead-lettered copy preserves the original payload.
	dead, err := q.Receive(context.Background(), "pipeline-dlq", 10)
	require.NoError(t, err)
	var dl queue.DeadLetter
	require.NoError(t, json.Unmarshal(dead[0].Body, &dl))
	assert.Equal(t, intakeQueue, dl.Source)
	assert.Equal(t, "{not json", dl.Body)
}
