package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/balamout75/my-bank-app/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ----------------------------------------------------------------------------
// 假实现
// ----------------------------------------------------------------------------

type fakeOutboxStore struct {
	batch        []*model.OutboxEvent
	lockCalls    int
	saved        [][]*model.OutboxEvent
	reclaimed    int64
	reclaimCalls int
}

func (f *fakeOutboxStore) LockBatch(ctx context.Context, limit int, instanceID string, now time.Time) ([]*model.OutboxEvent, error) {
	f.lockCalls++
	batch := f.batch
	f.batch = nil
	lockedAt := now
	for _, e := range batch {
		e.Status = model.OutboxStatusInProgress
		e.LockedAt = &lockedAt
		e.LockedBy = instanceID
	}
	return batch, nil
}

func (f *fakeOutboxStore) SaveBatch(ctx context.Context, events []*model.OutboxEvent) error {
	f.saved = append(f.saved, events)
	return nil
}

func (f *fakeOutboxStore) ReclaimExpired(ctx context.Context, now time.Time, lockTimeout time.Duration) (int64, error) {
	f.reclaimCalls++
	return f.reclaimed, nil
}

type fakeTransport struct {
	published []*model.OutboxEvent
	err       error
}

func (f *fakeTransport) Publish(ctx context.Context, event *model.OutboxEvent) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, event)
	return nil
}

type mirrorRecorder struct {
	calls []bool
	ids   []int64
}

func (m *mirrorRecorder) fn(ctx context.Context, event *model.OutboxEvent, delivered bool) {
	m.calls = append(m.calls, delivered)
	m.ids = append(m.ids, event.OperationID)
}

var fixedNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func newTestProcessor(store *fakeOutboxStore, transport *fakeTransport, mirror MirrorFunc) *OutboxProcessor {
	return &OutboxProcessor{
		store:       store,
		transport:   transport,
		mirror:      mirror,
		instanceID:  "worker-test",
		interval:    time.Second,
		batchSize:   10,
		baseDelay:   time.Second,
		maxDelay:    time.Minute,
		maxAttempts: 3,
		lockTimeout: 5 * time.Minute,
		now:         func() time.Time { return fixedNow },
		stopCh:      make(chan struct{}),
	}
}

// ----------------------------------------------------------------------------
// PollOnce
// ----------------------------------------------------------------------------

func TestPollOncePublishSuccess(t *testing.T) {
	store := &fakeOutboxStore{batch: []*model.OutboxEvent{
		{ID: 1, OperationID: 1001, EventType: "CASH_DEPOSIT", Status: model.OutboxStatusNew},
	}}
	transport := &fakeTransport{}
	mirror := &mirrorRecorder{}
	p := newTestProcessor(store, transport, mirror.fn)

	n := p.PollOnce(context.Background())
	assert.Equal(t, 1, n)

	require.Len(t, transport.published, 1)
	e := transport.published[0]
	assert.Equal(t, model.OutboxStatusPublished, e.Status)
	require.NotNil(t, e.PublishedAt)
	assert.Equal(t, fixedNow, *e.PublishedAt)

	// 投递完成后租约字段必须清掉
	assert.Nil(t, e.LockedAt)
	assert.Empty(t, e.LockedBy)

	assert.Equal(t, []bool{true}, mirror.calls)
	assert.Equal(t, []int64{1001}, mirror.ids)
	require.Len(t, store.saved, 1)
	assert.Equal(t, 1, store.reclaimCalls)
}

func TestPollOnceRetryWithBackoff(t *testing.T) {
	event := &model.OutboxEvent{ID: 1, OperationID: 1001, Status: model.OutboxStatusNew}
	store := &fakeOutboxStore{batch: []*model.OutboxEvent{event}}
	transport := &fakeTransport{err: errors.New("broker unavailable")}
	mirror := &mirrorRecorder{}
	p := newTestProcessor(store, transport, mirror.fn)

	p.PollOnce(context.Background())

	assert.Equal(t, model.OutboxStatusRetry, event.Status)
	assert.Equal(t, 1, event.Attempts)
	assert.Equal(t, "broker unavailable", event.LastError)
	assert.Equal(t, fixedNow.Add(time.Second), event.NextAttemptAt)
	assert.Nil(t, event.LockedAt)
	assert.Empty(t, mirror.calls, "还没到死信不回写镜像")

	// 第二次失败，退避翻倍
	store.batch = []*model.OutboxEvent{event}
	p.PollOnce(context.Background())
	assert.Equal(t, 2, event.Attempts)
	assert.Equal(t, fixedNow.Add(2*time.Second), event.NextAttemptAt)
}

func TestPollOnceDeadLetter(t *testing.T) {
	event := &model.OutboxEvent{ID: 1, OperationID: 1001, Status: model.OutboxStatusRetry, Attempts: 2}
	store := &fakeOutboxStore{batch: []*model.OutboxEvent{event}}
	transport := &fakeTransport{err: errors.New("broker unavailable")}
	mirror := &mirrorRecorder{}
	p := newTestProcessor(store, transport, mirror.fn) // maxAttempts = 3

	p.PollOnce(context.Background())

	assert.Equal(t, model.OutboxStatusDead, event.Status)
	assert.Equal(t, 3, event.Attempts)
	assert.Equal(t, []bool{false}, mirror.calls, "进入死信要把镜像标成失败")
	assert.Nil(t, event.LockedAt)
}

func TestPollOnceEmptyBatch(t *testing.T) {
	store := &fakeOutboxStore{}
	p := newTestProcessor(store, &fakeTransport{}, nil)

	n := p.PollOnce(context.Background())

	assert.Zero(t, n)
	assert.Empty(t, store.saved, "空批次不落库")
	assert.Equal(t, 1, store.reclaimCalls, "每轮都要先回收过期租约")
}

// ----------------------------------------------------------------------------
// 退避曲线
// ----------------------------------------------------------------------------

func TestBackoff(t *testing.T) {
	p := newTestProcessor(&fakeOutboxStore{}, &fakeTransport{}, nil)
	p.baseDelay = time.Second
	p.maxDelay = 60 * time.Second

	assert.Equal(t, time.Second, p.backoff(1))
	assert.Equal(t, 2*time.Second, p.backoff(2))
	assert.Equal(t, 4*time.Second, p.backoff(3))
	assert.Equal(t, 32*time.Second, p.backoff(6))
	// 超过上限后封顶
	assert.Equal(t, 60*time.Second, p.backoff(7))
	assert.Equal(t, 60*time.Second, p.backoff(100))

	// 单调不降
	prev := time.Duration(0)
	for attempts := 1; attempts <= 20; attempts++ {
		d := p.backoff(attempts)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
}

func TestBackoffShiftCapNoOverflow(t *testing.T) {
	p := newTestProcessor(&fakeOutboxStore{}, &fakeTransport{}, nil)
	p.baseDelay = time.Hour
	p.maxDelay = 24 * time.Hour

	// 大基数 + 大次数也不会因位移溢出变成负值
	for attempts := 1; attempts <= 100; attempts++ {
		d := p.backoff(attempts)
		assert.Positive(t, d)
		assert.LessOrEqual(t, d, 24*time.Hour)
	}
}
