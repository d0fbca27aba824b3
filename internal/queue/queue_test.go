package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueueBasic(t *testing.T) {
	q := New[string](5)
	require.NotNil(t, q)

	v := q.Dequeue()
	require.Nil(t, v)
	require.Zero(t, q.head)
	require.Zero(t, q.tail)

	const one = "one"
	q.Enqueue(one)
	require.EqualValues(t, 1, q.tail)
	require.EqualValues(t, 1, q.Len())
	v = q.Dequeue()
	require.NotNil(t, v)
	require.Zero(t, q.Len())
	require.Zero(t, q.tail)
	require.EqualValues(t, one, *v)

	v = q.Dequeue()
	require.Nil(t, v)

	const two = "two"
	q.Enqueue(one)
	q.Enqueue(two)
	require.EqualValues(t, 2, q.Len())
	require.EqualValues(t, 2, q.tail)

	v = q.Dequeue()
	require.NotNil(t, v)
	require.EqualValues(t, 1, q.head)
	require.EqualValues(t, 2, q.tail)
	require.EqualValues(t, one, *v)

	v = q.Dequeue()
	require.NotNil(t, v)
	require.Zero(t, q.head)
	require.Zero(t, q.tail)
	require.EqualValues(t, two, *v)
}

func TestQueueNewSegment(t *testing.T) {
	const size = 5
	q := New[int](size)
	require.NotNil(t, q)

	for i := 0; i < size; i++ {
		q.Enqueue(i + 1)
	}

	require.Zero(t, q.head)
	require.Equal(t, size, q.tail)
	require.Nil(t, q.next)
	require.EqualValues(t, size, q.Len())

	q.Enqueue(6)
	require.NotNil(t, q.next)
	require.EqualValues(t, 6, q.Len())

	for i := 0; i < 3; i++ {
		val := q.Dequeue()
		require.NotNil(t, val)
		require.EqualValues(t, i+1, *val)
	}
	require.EqualValues(t, size-2, q.head)
	require.EqualValues(t, 3, q.Len())
}

func TestQueueDefaultSegmentSize(t *testing.T) {
	q := New[int](0)
	for i := 0; i < DefaultSegmentSize+1; i++ {
		q.Enqueue(i)
	}
	require.NotNil(t, q.next)
	require.EqualValues(t, DefaultSegmentSize+1, q.Len())
}
