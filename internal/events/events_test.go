package events

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phpack/phpack/internal/fault"
	"github.com/phpack/phpack/internal/types"
)

func TestNewStageEvent(t *testing.T) {
	e := NewStageEvent("s1", "p1", types.PlatformLinuxX64, types.StageCopyingFiles, types.StepProcess, nil)
	assert.Equal(t, EventTypeStageStarted, e.Type)
	assert.Equal(t, "Copying project files", e.Message)
	assert.Equal(t, SeverityInfo, e.Severity)
	assert.NotEmpty(t, e.ID)

	e = NewStageEvent("s1", "p1", types.PlatformLinuxX64, types.StagePackaging, types.StepError,
		fault.New(fault.KindInsufficientSpace, "installer.package", "disk full"))
	assert.Equal(t, EventTypeStageFailed, e.Type)
	assert.Equal(t, SeverityError, e.Severity)
	assert.Equal(t, "insufficient_space", e.ErrorKind)
	assert.Contains(t, e.Error, "disk full")

	e = NewStageEvent("s1", "p1", types.PlatformLinuxX64, types.StagePackaging, types.StepError, errors.New("boom"))
	assert.Equal(t, string(fault.KindInternal), e.ErrorKind)
}

func TestPlatformFinishedCarriesArtifact(t *testing.T) {
	e, err := NewPlatformFinishedEvent("s1", "p1", types.BuildResult{
		Platform:   types.PlatformWindowsX64,
		Status:     types.BuildStatusSuccess,
		OutputPath: "/out/app.zip",
		Size:       42,
		Format:     "zip",
	})
	require.NoError(t, err)
	assert.True(t, e.IsTerminal())
	assert.Equal(t, types.StageSucceeded, e.Stage)

	art, err := e.GetArtifactData()
	require.NoError(t, err)
	assert.Equal(t, "/out/app.zip", art.Path)
	assert.Equal(t, int64(42), art.Size)

	failed, err := NewPlatformFinishedEvent("s1", "p1", types.BuildResult{
		Platform: types.PlatformWindowsX64, Status: types.BuildStatusFailed, Error: "x", ErrorKind: "packaging",
	})
	require.NoError(t, err)
	assert.Equal(t, types.StageFailed, failed.Stage)
	assert.Nil(t, failed.Data)
	_, err = failed.GetArtifactData()
	assert.Error(t, err)
}

func TestSessionFinishedSummary(t *testing.T) {
	start := time.Now()
	e, err := NewSessionFinishedEvent(&types.SessionReport{
		SessionID:  "s1",
		StartedAt:  start,
		FinishedAt: start.Add(1500 * time.Millisecond),
		Results: []types.BuildResult{
			{Status: types.BuildStatusSuccess},
			{Status: types.BuildStatusFailed},
			{Status: types.BuildStatusSuccess},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, SeverityError, e.Severity)
	sum, err := e.GetSessionSummaryData()
	require.NoError(t, err)
	assert.Equal(t, SessionSummaryData{Succeeded: 2, Failed: 1, DurationMs: 1500}, *sum)
}

func TestProgressDataRange(t *testing.T) {
	e := NewLogEvent("s1", "p1", types.PlatformLinuxX64, types.StageResolvingDependencies, SeverityInfo, "installing")
	assert.Error(t, e.SetProgressData(ProgressData{Phase: "install", Fraction: 1.5}))
	require.NoError(t, e.SetProgressData(ProgressData{Phase: "install", Fraction: 0.5}))
	p, err := e.GetProgressData()
	require.NoError(t, err)
	assert.Equal(t, 0.5, p.Fraction)
}

func TestBrokerDeliversInOrder(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe(100)
	defer cancel()

	seq := NewSequencer()
	for i := 0; i < 10; i++ {
		e := NewStageEvent("s1", "p1", types.PlatformLinuxX64, types.StagePreparing, types.StepProcess, nil)
		seq.Stamp(e)
		b.Publish(*e)
	}
	for want := uint64(1); want <= 10; want++ {
		e := <-ch
		assert.Equal(t, want, e.Seq)
	}
	assert.Equal(t, int64(0), b.Dropped())
}

func TestBrokerDropsForSlowSubscriber(t *testing.T) {
	b := NewBroker()
	slow, cancelSlow := b.Subscribe(2)
	defer cancelSlow()
	fast, cancelFast := b.Subscribe(10)
	defer cancelFast()

	for i := 0; i < 5; i++ {
		b.Publish(BuildEvent{Type: EventTypeStageLog})
	}
	assert.Len(t, slow, 2)
	assert.Len(t, fast, 5)
	assert.Equal(t, int64(3), b.Dropped())
}

func TestBrokerUnsubscribeAndClose(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe(1)
	assert.Equal(t, 1, b.Subscribers())
	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, b.Subscribers())

	other, _ := b.Subscribe(1)
	b.Close()
	_, open = <-other
	assert.False(t, open)

	late, _ := b.Subscribe(1)
	_, open = <-late
	assert.False(t, open)
	b.Publish(BuildEvent{})
}

func TestSequencerPerPlatform(t *testing.T) {
	seq := NewSequencer()
	var wg sync.WaitGroup
	results := make(chan uint64, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := &BuildEvent{Platform: types.PlatformLinuxX64}
			if i%2 == 0 {
				e.Platform = types.PlatformWindowsX64
			}
			seq.Stamp(e)
			if e.Platform == types.PlatformLinuxX64 {
				results <- e.Seq
			}
		}(i)
	}
	wg.Wait()
	close(results)

	seen := map[uint64]bool{}
	for s := range results {
		assert.False(t, seen[s], "duplicate seq %d", s)
		seen[s] = true
	}
	assert.Len(t, seen, 50)
}
