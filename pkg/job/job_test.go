package job

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue(t *testing.T) {
	q := NewQueue()
	assert.Equal(t, 0, q.Len())

	select {
	case <-q.Ready():
		t.Error("q.Ready signalled before any jobs enqueued")
	default:
	}
	_, ok := q.Next()
	assert.False(t, ok)

	assert.Equal(t, 0, q.Enqueue(&Job{ID: "run 1", Kind: KindRun}))
	assert.Equal(t, 1, q.Enqueue(&Job{ID: "deploy 1", Kind: KindDeploy}))
	assert.Equal(t, 2, q.Len())

	var seen []ID
	for _, j := range q.Pending() {
		seen = append(seen, j.ID)
		assert.False(t, j.EnqueuedAt.IsZero())
	}
	assert.Equal(t, []ID{"run 1", "deploy 1"}, seen)

	// one signal covers both jobs
	select {
	case <-q.Ready():
	default:
		t.Fatal("q.Ready not signalled after enqueuing")
	}
	select {
	case <-q.Ready():
		t.Error("q.Ready signalled twice")
	default:
	}

	// Jobs come out in the order they went in
	j, ok := q.Next()
	require.True(t, ok)
	assert.Equal(t, ID("run 1"), j.ID)
	assert.Equal(t, KindRun, j.Kind)
	j, ok = q.Next()
	require.True(t, ok)
	assert.Equal(t, ID("deploy 1"), j.ID)
	assert.Equal(t, 0, q.Len())

	_, ok = q.Next()
	assert.False(t, ok)
}

func TestQueue_Ahead(t *testing.T) {
	q := NewQueue()
	for _, id := range []ID{"a", "b", "c"} {
		q.Enqueue(&Job{ID: id, Kind: KindRun})
	}

	n, ok := q.Ahead("c")
	require.True(t, ok)
	assert.Equal(t, 2, n)

	q.Next()
	_, ok = q.Ahead("a")
	assert.False(t, ok, "a job taken is no longer waiting")
	n, ok = q.Ahead("c")
	require.True(t, ok)
	assert.Equal(t, 1, n)

	_, ok = q.Ahead("nope")
	assert.False(t, ok)
}

func TestQueue_EnqueueWhileWaiting(t *testing.T) {
	q := NewQueue()
	got := make(chan ID)
	go func() {
		<-q.Ready()
		j, _ := q.Next()
		got <- j.ID
	}()
	q.Enqueue(&Job{ID: "late", Kind: KindDeploy})
	select {
	case id := <-got:
		assert.Equal(t, ID("late"), id)
	case <-time.After(time.Second):
		t.Fatal("job enqueued after the reader started waiting was never taken")
	}
}

func TestStatusCache(t *testing.T) {
	c := &StatusCache{Size: 2}
	c.SetStatus("a", Status{Kind: KindRun, StatusString: StatusQueued})
	c.SetStatus("b", Status{Kind: KindDeploy, StatusString: StatusQueued})
	c.Update("a", func(s *Status) {
		s.StatusString = StatusFailed
		s.Failure = "BuildFailure"
		s.Result = Result{RunID: "run-a"}
	})

	s, ok := c.Status("a")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, s.StatusString)
	assert.Equal(t, KindRun, s.Kind, "updating keeps what was there")
	assert.Equal(t, "BuildFailure", s.Failure)
	assert.Equal(t, "run-a", s.Result.RunID)
	assert.True(t, s.Done())

	// a third job evicts the one seen first, however recently it changed
	c.SetStatus("c", Status{StatusString: StatusRunning})
	_, ok = c.Status("a")
	assert.False(t, ok)
	_, ok = c.Status("b")
	assert.True(t, ok)
	s, ok = c.Status("c")
	assert.True(t, ok)
	assert.False(t, s.Done())
}

func TestStatusCache_ZeroSize(t *testing.T) {
	c := &StatusCache{}
	c.SetStatus("a", Status{StatusString: StatusQueued})
	_, ok := c.Status("a")
	assert.False(t, ok)
}

func TestStatus_JSON(t *testing.T) {
	s := Status{
		Kind:         KindRun,
		StatusString: StatusFailed,
		Err:          "BuildFailure in stage build: exit status 1",
		Failure:      "BuildFailure",
		Result:       Result{RunID: "run-1", Revision: "cafe"},
	}
	bytes, err := json.Marshal(s)
	require.NoError(t, err)
	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes, &fields))
	assert.Equal(t, "run", fields["kind"])
	assert.Equal(t, "failed", fields["status"])
	assert.Equal(t, "BuildFailure", fields["failure"])
	assert.NotContains(t, fields, "ahead")

	var got Status
	require.NoError(t, json.Unmarshal(bytes, &got))
	assert.Equal(t, s, got)
}

func TestNewID(t *testing.T) {
	assert.NotEqual(t, NewID(), NewID())
	assert.Len(t, string(NewID()), 36)
}
