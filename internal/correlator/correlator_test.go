package correlator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/models"
)

type deposit struct {
	models.CommandBase
}

func newDeposit() deposit {
	return deposit{CommandBase: models.NewCommandBase("acc-1")}
}

func TestCorrelator_ResolvesExactlyOnce(t *testing.T) {
	c := New(time.Minute)
	cmd := newDeposit()

	f, err := c.RegisterCommand(cmd, ReplyOnHandled)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Pending())

	_, ok := f.Result()
	assert.False(t, ok)

	assert.True(t, c.NotifyHandled(cmd.MessageID(), nil))
	assert.False(t, c.NotifyHandled(cmd.MessageID(), errors.New("late duplicate")))
	assert.False(t, c.NotifyCompleted(cmd.MessageID(), nil))

	res, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.NoError(t, res.Err())
	assert.Equal(t, 0, c.Pending())
}

func TestCorrelator_ConcurrentNotifications(t *testing.T) {
	c := New(time.Minute)
	cmd := newDeposit()
	f, err := c.RegisterCommand(cmd, ReplyOnHandled)
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.NotifyHandled(cmd.MessageID(), nil) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	<-f.Done()
}

func TestCorrelator_HandlerFailure(t *testing.T) {
	c := New(time.Minute)
	cmd := newDeposit()
	f, err := c.RegisterCommand(cmd, ReplyOnHandled)
	require.NoError(t, err)

	c.NotifyHandled(cmd.MessageID(), models.NewFailure(models.CodeVersionConflict, "stale aggregate", nil))

	res, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	require.NotNil(t, res.Failure)
	assert.Equal(t, models.CodeVersionConflict, res.Failure.Code)
}

func TestCorrelator_CompletedModeWaitsForCompletion(t *testing.T) {
	c := New(time.Minute)
	cmd := newDeposit()
	f, err := c.RegisterCommand(cmd, ReplyOnCompleted)
	require.NoError(t, err)

	assert.True(t, c.NotifyHandled(cmd.MessageID(), nil))
	_, ok := f.Result()
	assert.False(t, ok, "a successful Handled reply must not resolve a completion future")

	assert.True(t, c.NotifyReply(models.NewCommandReply(cmd.MessageID(), models.ReplyCompleted, nil)))
	res, ok := f.Result()
	require.True(t, ok)
	assert.Equal(t, StatusSuccess, res.Status)
}

func TestCorrelator_CompletedModeFailsOnHandledError(t *testing.T) {
	c := New(time.Minute)
	cmd := newDeposit()
	f, err := c.RegisterCommand(cmd, ReplyOnCompleted)
	require.NoError(t, err)

	c.NotifyReply(models.NewCommandReply(cmd.MessageID(), models.ReplyHandled, errors.New("boom")))

	res, ok := f.Result()
	require.True(t, ok)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, models.CodeHandlerFailed, res.Failure.Code)
}

func TestCorrelator_Timeout(t *testing.T) {
	c := New(30 * time.Millisecond)
	cmd := newDeposit()
	f, err := c.RegisterCommand(cmd, ReplyOnHandled)
	require.NoError(t, err)

	select {
	case <-f.Done():
	case <-time.After(time.Second):
		t.Fatal("future never timed out")
	}

	res, _ := f.Result()
	assert.Equal(t, StatusTimeout, res.Status)
	assert.Equal(t, models.CodeTimeout, res.Failure.Code)
	assert.Equal(t, 0, c.Pending())

	// the reply that finally arrives is discarded
	assert.False(t, c.NotifyHandled(cmd.MessageID(), nil))
	res, _ = f.Result()
	assert.Equal(t, StatusTimeout, res.Status)
}

func TestCorrelator_RegisterErrors(t *testing.T) {
	c := New(time.Minute)
	cmd := newDeposit()

	_, err := c.RegisterCommand(cmd, ReplyNone)
	assert.ErrorIs(t, err, ErrInvalidMode)

	_, err = c.RegisterCommand(deposit{}, ReplyOnHandled)
	assert.ErrorIs(t, err, ErrEmptyID)

	_, err = c.RegisterCommand(cmd, ReplyOnHandled)
	require.NoError(t, err)
	_, err = c.RegisterCommand(cmd, ReplyOnHandled)
	assert.ErrorIs(t, err, ErrAlreadyPending)
}

func TestCorrelator_WaitHonorsContext(t *testing.T) {
	c := New(time.Minute)
	f, err := c.RegisterCommand(newDeposit(), ReplyOnHandled)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCorrelator_Queries(t *testing.T) {
	c := New(time.Minute)
	f, err := c.RegisterQuery("q1")
	require.NoError(t, err)

	assert.True(t, c.ResolveQuery(QueryResult{QueryID: "q1", Value: 42}))
	assert.False(t, c.ResolveQuery(QueryResult{QueryID: "q1", Value: 43}))

	res, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, res.Value)
	assert.NoError(t, res.Err())

	_, err = c.RegisterQuery("")
	assert.ErrorIs(t, err, ErrEmptyID)
}

func TestCorrelator_Close(t *testing.T) {
	c := New(time.Minute)
	cmdFuture, err := c.RegisterCommand(newDeposit(), ReplyOnCompleted)
	require.NoError(t, err)
	queryFuture, err := c.RegisterQuery("q1")
	require.NoError(t, err)

	c.Close()

	res, ok := cmdFuture.Result()
	require.True(t, ok)
	assert.Equal(t, StatusCanceled, res.Status)
	qres, ok := queryFuture.Result()
	require.True(t, ok)
	assert.Equal(t, models.CodeCanceled, qres.Failure.Code)

	_, err = c.RegisterQuery("q2")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestParseReplyMode(t *testing.T) {
	for in, want := range map[string]ReplyMode{"": ReplyNone, "none": ReplyNone, "handled": ReplyOnHandled, "completed": ReplyOnCompleted} {
		got, err := ParseReplyMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		if in != "" {
			assert.Equal(t, in, got.String())
		}
	}
	_, err := ParseReplyMode("eventually")
	assert.Error(t, err)
}
