package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryQueuePriorityOrder(t *testing.T) {
	q := NewInMemoryQueue()

	low := NewTask("https://www.ozon.ru/product/kofe-123456/", "ozon")
	high := NewTask("https://www.wildberries.ru/catalog/146972802/detail.aspx", "wildberries")
	high.Priority = 10
	mid := NewTask("https://www.vkusvill.ru/goods/syr-77777.html", "vkusvill")
	mid.Priority = 5

	require.NoError(t, q.Push(low))
	require.NoError(t, q.Push(high))
	require.NoError(t, q.Push(mid))
	assert.Equal(t, 3, q.Size())

	ctx := context.Background()
	first, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "wildberries", first.Retailer)

	second, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "vkusvill", second.Retailer)

	third, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ozon", third.Retailer)
}

func TestInMemoryQueueEqualPriorityKeepsOrder(t *testing.T) {
	q := NewInMemoryQueue()

	first := NewTask("https://www.ozon.ru/product/a-1/", "ozon")
	second := NewTask("https://www.ozon.ru/product/b-2/", "ozon")
	require.NoError(t, q.Push(first))
	require.NoError(t, q.Push(second))

	got, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
}

func TestInMemoryQueuePopBlocksUntilPush(t *testing.T) {
	q := NewInMemoryQueue()

	popped := make(chan *Task, 1)
	go func() {
		task, err := q.Pop(context.Background())
		if err == nil {
			popped <- task
		}
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, q.Push(NewTask("https://lavka.yandex.ru/213/good/moloko", "lavka")))

	select {
	case task := <-popped:
		assert.Equal(t, "lavka", task.Retailer)
	case <-time.After(2 * time.Second):
		t.Fatal("Pop did not return after Push")
	}
}

func TestInMemoryQueuePopContextCancelled(t *testing.T) {
	q := NewInMemoryQueue()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInMemoryQueueClose(t *testing.T) {
	q := NewInMemoryQueue()
	require.NoError(t, q.Close())

	assert.ErrorIs(t, q.Push(NewTask("https://www.ozon.ru/product/x-1/", "ozon")), ErrQueueClosed)

	_, err := q.Pop(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestBatchQueuePopBatch(t *testing.T) {
	q := NewInMemoryQueue()
	b := NewBatchQueue(q, 2)

	tasks := []*Task{
		NewTask("https://www.ozon.ru/product/a-1/", "ozon"),
		NewTask("https://www.ozon.ru/product/b-2/", "ozon"),
		NewTask("https://www.ozon.ru/product/c-3/", "ozon"),
	}
	require.NoError(t, b.PushBatch(tasks))

	batch, err := b.PopBatch(context.Background())
	require.NoError(t, err)
	assert.Len(t, batch, 2)
	assert.Equal(t, 1, q.Size())
}
