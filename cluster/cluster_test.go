package cluster_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pratyushFilter/batchcluster/cluster"
	"github.com/pratyushFilter/batchcluster/internal/child"
	"github.com/pratyushFilter/batchcluster/internal/mockchild"
	"github.com/pratyushFilter/batchcluster/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestHelperProcess is not a real test: when re-exec'd with the
// sentinel env var set, it runs the mock child and exits instead of
// running the test suite.
func TestHelperProcess(t *testing.T) {
	mockchild.RunAsTestHelperProcess(t)
}

func identityParser(stdout, stderr string) (string, error) {
	return stdout, nil
}

func newTestCluster(t *testing.T, mcfg mockchild.Config, optsFn func(*cluster.Options)) *cluster.Cluster[string] {
	t.Helper()

	opts := cluster.DefaultOptions()
	opts.Pass = mockchild.Pass
	opts.Fail = mockchild.Fail
	opts.VersionCommand = "version"
	opts.ExitCommand = "exit"
	opts.MaxProcs = 2
	opts.SpawnTimeoutMillis = 2000
	opts.TaskTimeoutMillis = 2000
	opts.MaxProcAgeMillis = 2000
	opts.ProcessFactory = func() (*child.Proc, error) {
		cmd := mockchild.HelperProcessCommand(mcfg)
		nl := protocol.LF
		if mcfg.Newline == "crlf" {
			nl = protocol.CRLF
		}
		return child.StartCmd(cmd, nl, zap.NewNop())
	}

	if optsFn != nil {
		optsFn(&opts)
	}

	c, err := cluster.New[string](opts, zap.NewNop())
	require.NoError(t, err)

	t.Cleanup(func() {
		<-c.End(context.Background())
	})

	return c
}

func TestEnqueueTask_Upcase(t *testing.T) {
	c := newTestCluster(t, mockchild.Config{}, nil)

	task := cluster.NewTask("upcase hello", identityParser)
	require.NoError(t, c.EnqueueTask(task))

	result, err := task.Wait()
	require.NoError(t, err)
	assert.Equal(t, "HELLO", result)
}

func TestEnqueueTask_FailMarkerRejects(t *testing.T) {
	c := newTestCluster(t, mockchild.Config{}, nil)

	task := cluster.NewTask("nonsense", identityParser)
	require.NoError(t, c.EnqueueTask(task))

	_, err := task.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, cluster.ErrFailMarker)
}

func TestEnqueueTask_StderrOutputRejects(t *testing.T) {
	c := newTestCluster(t, mockchild.Config{}, nil)

	task := cluster.NewTask("stderr boom", identityParser)
	require.NoError(t, c.EnqueueTask(task))

	_, err := task.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, cluster.ErrStderrOutput)
}

func TestEnqueueTask_ManyTasksShareAPool(t *testing.T) {
	c := newTestCluster(t, mockchild.Config{}, func(o *cluster.Options) {
		o.MaxProcs = 3
	})

	var tasks []*cluster.Task[string]
	for i := 0; i < 12; i++ {
		task := cluster.NewTask("upcase go", identityParser)
		require.NoError(t, c.EnqueueTask(task))
		tasks = append(tasks, task)
	}

	for _, task := range tasks {
		result, err := task.Wait()
		require.NoError(t, err)
		assert.Equal(t, "GO", result)
	}

	assert.LessOrEqual(t, c.SpawnedProcs(), 3)
	assert.Greater(t, c.MeanTasksPerProc(), 0.0)
}

func TestEnd_RejectsTasksEnqueuedAfter(t *testing.T) {
	c := newTestCluster(t, mockchild.Config{}, nil)

	<-c.End(context.Background())
	assert.True(t, c.Ended())

	task := cluster.NewTask("upcase late", identityParser)
	err := c.EnqueueTask(task)
	assert.ErrorIs(t, err, cluster.ErrClusterEnded)
}

func TestEnd_DrainsPendingTasksBeforeResolving(t *testing.T) {
	c := newTestCluster(t, mockchild.Config{}, nil)

	task := cluster.NewTask("sleep 50", identityParser)
	require.NoError(t, c.EnqueueTask(task))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	select {
	case <-c.End(ctx):
	case <-time.After(5 * time.Second):
		t.Fatal("End did not resolve")
	}

	assert.True(t, c.Ended())
	assert.Empty(t, c.Pids())
}

// TestEnd_ResolvesAfterCircuitBreakerTrips guards against a deadlock
// where the cluster had already moved itself into the ending state
// via the failure-rate circuit breaker before End was ever called: End
// must still resolve instead of blocking forever waiting on a drain
// that nothing started.
func TestEnd_ResolvesAfterCircuitBreakerTrips(t *testing.T) {
	opts := cluster.DefaultOptions()
	opts.Pass = mockchild.Pass
	opts.Fail = mockchild.Fail
	opts.OnIdleIntervalMillis = 10
	opts.MaxReasonableProcessFailuresPerMinute = 2
	opts.ProcessFactory = func() (*child.Proc, error) {
		return nil, errors.New("boom")
	}

	c, err := cluster.New[string](opts, zap.NewNop())
	require.NoError(t, err)

	tripped := make(chan struct{}, 1)
	c.On(cluster.EventEndError, func(payload any) {
		tripped <- struct{}{}
	})

	task := cluster.NewTask("upcase hi", identityParser)
	_ = c.EnqueueTask(task)

	select {
	case <-tripped:
	case <-time.After(2 * time.Second):
		t.Fatal("circuit breaker did not trip")
	}

	select {
	case <-c.End(context.Background()):
	case <-time.After(2 * time.Second):
		t.Fatal("End did not resolve after the circuit breaker had already ended the cluster")
	}

	assert.True(t, c.Ended())
}

func TestTaskTimeout_KillsHungChild(t *testing.T) {
	c := newTestCluster(t, mockchild.Config{}, func(o *cluster.Options) {
		o.TaskTimeoutMillis = 100
	})

	task := cluster.NewTask("sleep 5000", identityParser)
	require.NoError(t, c.EnqueueTask(task))

	_, err := task.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, cluster.ErrTaskTimeout)
}

func TestChildExit_RetriesTaskOnce(t *testing.T) {
	c := newTestCluster(t, mockchild.Config{}, nil)

	task := cluster.NewTask("exit", identityParser)
	require.NoError(t, c.EnqueueTask(task))

	_, err := task.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, cluster.ErrChildDied)
	assert.Equal(t, 1, task.Retries())
}

func TestOn_ReceivesTaskDataEvent(t *testing.T) {
	c := newTestCluster(t, mockchild.Config{}, nil)

	received := make(chan cluster.TaskDataEvent, 1)
	c.On(cluster.EventTaskData, func(payload any) {
		received <- payload.(cluster.TaskDataEvent)
	})

	task := cluster.NewTask("upcase ok", identityParser)
	require.NoError(t, c.EnqueueTask(task))

	_, err := task.Wait()
	require.NoError(t, err)

	select {
	case evt := <-received:
		assert.Equal(t, "OK", evt.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive taskData event")
	}
}

func TestCRLFProtocol(t *testing.T) {
	c := newTestCluster(t, mockchild.Config{Newline: "crlf"}, nil)

	task := cluster.NewTask("upcase crlf", identityParser)
	require.NoError(t, c.EnqueueTask(task))

	result, err := task.Wait()
	require.NoError(t, err)
	assert.Equal(t, "CRLF", result)
}
