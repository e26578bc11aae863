package jobmanager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/relaunchd/internal/manifest"
	"github.com/ChuLiYu/relaunchd/internal/process"
	"github.com/ChuLiYu/relaunchd/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type recorder struct {
	transitions []string
}

func (r *recorder) Transition(label types.Label, from, to types.JobState) {
	r.transitions = append(r.transitions, string(label)+":"+string(from)+"->"+string(to))
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func newTestJobManager() (*JobManager, *recorder, *fakeClock) {
	rec := &recorder{}
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	return NewJobManager(Options{Observer: rec, Now: clock.Now}), rec, clock
}

func newTestDesc(label string) *manifest.JobDescriptor {
	return &manifest.JobDescriptor{
		Label:            types.Label(label),
		Program:          "/bin/true",
		ProgramArguments: []string{"/bin/true"},
		ThrottleInterval: manifest.DefaultThrottleInterval,
		ExitTimeout:      manifest.DefaultExitTimeout,
	}
}

func socketDesc(label string) *manifest.JobDescriptor {
	d := newTestDesc(label)
	d.Sockets = []*manifest.SocketDescriptor{{Name: "l", Type: manifest.SockStream, Passive: true, Family: manifest.FamilyIPv4, ServiceName: "0", FD: -1}}
	return d
}

func assertJobState(t *testing.T, jm *JobManager, label types.Label, want types.JobState) {
	t.Helper()
	job, err := jm.Get(label)
	require.NoError(t, err)
	assert.Equal(t, want, job.State, "job %s", label)
	// a live handle exactly when the state says there is one
	switch job.State {
	case types.StateRunning, types.StateStopping:
		assert.NotNil(t, job.Handle, "job %s", label)
	case types.StateLoaded, types.StateStopped, types.StateActivating:
		assert.Nil(t, job.Handle, "job %s", label)
	}
}

func start(t *testing.T, jm *JobManager, label types.Label, pid int) {
	t.Helper()
	require.NoError(t, jm.MarkRunning(label, &process.Handle{PID: pid, Started: time.Unix(1_700_000_000, 0), Group: true}))
}

// ============================================================================
// Table
// ============================================================================

func TestAdd_IndependentJobs(t *testing.T) {
	for _, order := range [][]string{{"a", "b"}, {"b", "a"}} {
		jm, _, _ := newTestJobManager()
		for _, l := range order {
			_, err := jm.Add(newTestDesc(l), false)
			require.NoError(t, err)
		}
		assert.Equal(t, 2, jm.Len())

		start(t, jm, "a", 100)
		assertJobState(t, jm, "a", types.StateRunning)
		assertJobState(t, jm, "b", types.StateLoaded)
	}
}

func TestAdd_Duplicate(t *testing.T) {
	jm, _, _ := newTestJobManager()
	_, err := jm.Add(newTestDesc("a"), false)
	require.NoError(t, err)
	start(t, jm, "a", 100)

	_, err = jm.Add(newTestDesc("a"), true)
	assert.ErrorIs(t, err, ErrDuplicateJob)
	assert.Equal(t, 1, jm.Len())
	assertJobState(t, jm, "a", types.StateRunning)
}

func TestAdd_Disabled(t *testing.T) {
	jm, _, _ := newTestJobManager()
	_, err := jm.Add(newTestDesc("a"), true)
	require.NoError(t, err)
	assertJobState(t, jm, "a", types.StateDisabled)

	prev, err := jm.PreDisableState("a")
	require.NoError(t, err)
	assert.Equal(t, types.StateLoaded, prev)
}

func TestGetAndRemove_NotFound(t *testing.T) {
	jm, _, _ := newTestJobManager()
	_, err := jm.Get("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	err = jm.Remove("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.Equal(t, 0, jm.Len())
}

func TestRemove_LiveProcess(t *testing.T) {
	jm, _, _ := newTestJobManager()
	_, err := jm.Add(newTestDesc("a"), false)
	require.NoError(t, err)
	start(t, jm, "a", 100)

	assert.ErrorIs(t, jm.Remove("a"), ErrInvalidTransition)
	assert.True(t, jm.Exists("a"))

	_, err = jm.MarkExited(100, types.ExitStatus{})
	require.NoError(t, err)
	require.NoError(t, jm.Remove("a"))
	assert.False(t, jm.Exists("a"))
}

func TestSummaries_Sorted(t *testing.T) {
	jm, _, _ := newTestJobManager()
	for _, l := range []string{"c", "a", "b"} {
		_, err := jm.Add(newTestDesc(l), false)
		require.NoError(t, err)
	}
	start(t, jm, "b", 42)
	_, err := jm.MarkExited(42, types.ExitStatus{Code: -1, Signal: 15})
	require.NoError(t, err)

	sums := jm.Summaries()
	require.Len(t, sums, 3)
	assert.Equal(t, []types.Label{"a", "b", "c"}, []types.Label{sums[0].Label, sums[1].Label, sums[2].Label})
	assert.Equal(t, types.JobSummary{Label: "b", State: types.StateStopped, LastExitStatus: -15, Generation: 1}, sums[1])
}

// ============================================================================
// Transitions
// ============================================================================

func TestLifecycle_RunStopExit(t *testing.T) {
	jm, rec, _ := newTestJobManager()
	_, err := jm.Add(newTestDesc("a"), false)
	require.NoError(t, err)

	start(t, jm, "a", 100)
	job, ok := jm.ByPID(100)
	require.True(t, ok)
	assert.Equal(t, uint64(1), job.Generation)

	require.NoError(t, jm.MarkStopping("a"))
	assertJobState(t, jm, "a", types.StateStopping)

	job, err = jm.MarkExited(100, types.ExitStatus{Code: 3})
	require.NoError(t, err)
	assertJobState(t, jm, "a", types.StateStopped)
	assert.Equal(t, 3, job.Summary().LastExitStatus)
	_, ok = jm.ByPID(100)
	assert.False(t, ok)

	assert.Equal(t, []string{
		"a:loaded->running",
		"a:running->stopping",
		"a:stopping->stopped",
	}, rec.transitions)
}

func TestLifecycle_Activation(t *testing.T) {
	jm, _, _ := newTestJobManager()
	_, err := jm.Add(socketDesc("s"), false)
	require.NoError(t, err)

	require.NoError(t, jm.MarkActivating("s"))
	assertJobState(t, jm, "s", types.StateActivating)
	start(t, jm, "s", 7)
	assertJobState(t, jm, "s", types.StateRunning)

	_, err = jm.Add(newTestDesc("plain"), false)
	require.NoError(t, err)
	assert.ErrorIs(t, jm.MarkActivating("plain"), ErrInvalidTransition, "no sockets to wait on")
}

func TestMarkRunning_Invalid(t *testing.T) {
	jm, _, _ := newTestJobManager()
	_, err := jm.Add(newTestDesc("a"), false)
	require.NoError(t, err)
	start(t, jm, "a", 100)

	err = jm.MarkRunning("a", &process.Handle{PID: 101})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	job, _ := jm.Get("a")
	assert.Equal(t, 100, job.PID())
	assert.Equal(t, uint64(1), job.Generation)
}

func TestMarkStopping_NotRunning(t *testing.T) {
	for _, disabled := range []bool{false, true} {
		jm, _, _ := newTestJobManager()
		_, err := jm.Add(newTestDesc("a"), disabled)
		require.NoError(t, err)
		before, _ := jm.Get("a")
		state := before.State

		assert.ErrorIs(t, jm.MarkStopping("a"), ErrNotRunning)
		assertJobState(t, jm, "a", state)
	}
}

func TestMarkExited_UnknownPID(t *testing.T) {
	jm, _, _ := newTestJobManager()
	_, err := jm.MarkExited(999, types.ExitStatus{})
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestCheckRunning(t *testing.T) {
	jm, _, _ := newTestJobManager()
	_, err := jm.Add(newTestDesc("a"), false)
	require.NoError(t, err)

	_, err = jm.CheckRunning("a", 0)
	assert.ErrorIs(t, err, ErrNotRunning)

	start(t, jm, "a", 100)
	_, err = jm.CheckRunning("a", 0)
	assert.NoError(t, err)
	_, err = jm.CheckRunning("a", 1)
	assert.NoError(t, err)

	_, err = jm.CheckRunning("a", 2)
	assert.ErrorIs(t, err, ErrStaleGeneration)
	assert.ErrorIs(t, err, ErrNotRunning)

	_, err = jm.CheckRunning("missing", 0)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

// ============================================================================
// Disable / Enable
// ============================================================================

func TestDisableEnable_RoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, jm *JobManager)
		want  types.JobState
	}{
		{"loaded", func(t *testing.T, jm *JobManager) {}, types.StateLoaded},
		{"running", func(t *testing.T, jm *JobManager) { start(t, jm, "s", 9) }, types.StateRunning},
		{"activating", func(t *testing.T, jm *JobManager) { require.NoError(t, jm.MarkActivating("s")) }, types.StateActivating},
		{"stopped", func(t *testing.T, jm *JobManager) {
			start(t, jm, "s", 9)
			_, err := jm.MarkExited(9, types.ExitStatus{})
			require.NoError(t, err)
		}, types.StateStopped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jm, _, _ := newTestJobManager()
			_, err := jm.Add(socketDesc("s"), false)
			require.NoError(t, err)
			tt.setup(t, jm)

			_, err = jm.Disable("s")
			require.NoError(t, err)
			assertJobState(t, jm, "s", types.StateDisabled)

			_, err = jm.Disable("s")
			require.NoError(t, err, "disable is idempotent")

			job, err := jm.Enable("s")
			require.NoError(t, err)
			assert.Equal(t, tt.want, job.State)
		})
	}
}

func TestDisable_ProcessExitsWhileDisabled(t *testing.T) {
	jm, _, _ := newTestJobManager()
	_, err := jm.Add(newTestDesc("a"), false)
	require.NoError(t, err)
	start(t, jm, "a", 100)

	_, err = jm.Disable("a")
	require.NoError(t, err)
	require.NoError(t, jm.MarkStopping("a"), "a disabled job can still be stopped")

	_, err = jm.MarkExited(100, types.ExitStatus{})
	require.NoError(t, err)
	assertJobState(t, jm, "a", types.StateDisabled)

	job, err := jm.Enable("a")
	require.NoError(t, err)
	assert.Equal(t, types.StateStopped, job.State)
	assert.Nil(t, job.Handle)
}

func TestEnable_NotDisabledIsNoop(t *testing.T) {
	jm, rec, _ := newTestJobManager()
	_, err := jm.Add(newTestDesc("a"), false)
	require.NoError(t, err)

	job, err := jm.Enable("a")
	require.NoError(t, err)
	assert.Equal(t, types.StateLoaded, job.State)
	assert.Empty(t, rec.transitions)

	_, err = jm.Enable("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestMarkRunning_ForcedFromDisabled(t *testing.T) {
	jm, _, _ := newTestJobManager()
	_, err := jm.Add(newTestDesc("a"), true)
	require.NoError(t, err)
	start(t, jm, "a", 100)
	assertJobState(t, jm, "a", types.StateRunning)
}

// ============================================================================
// Timers and respawn policy
// ============================================================================

func TestTimers(t *testing.T) {
	jm, _, _ := newTestJobManager()
	_, err := jm.Add(newTestDesc("a"), false)
	require.NoError(t, err)

	require.NoError(t, jm.SetTimer("a", 40, TimerThrottle))
	assert.ErrorIs(t, jm.SetTimer("a", 41, TimerInterval), ErrInvalidTransition, "one timer per job")

	job, ok := jm.ByTimer(40)
	require.True(t, ok)
	assert.Equal(t, types.Label("a"), job.Label())

	fd, purpose := jm.ClearTimer(job)
	assert.Equal(t, 40, fd)
	assert.Equal(t, TimerThrottle, purpose)
	_, ok = jm.ByTimer(40)
	assert.False(t, ok)

	fd, _ = jm.ClearTimer(job)
	assert.Equal(t, -1, fd)
	assert.Equal(t, "exit_timeout", TimerExitTimeout.String())
}

func TestShouldRespawn(t *testing.T) {
	jm, _, _ := newTestJobManager()
	d := newTestDesc("a")
	d.KeepAlive.Always = true
	_, err := jm.Add(d, false)
	require.NoError(t, err)
	_, err = jm.Add(newTestDesc("once"), false)
	require.NoError(t, err)

	start(t, jm, "a", 1)
	start(t, jm, "once", 2)
	a, _ := jm.MarkExited(1, types.ExitStatus{})
	once, _ := jm.MarkExited(2, types.ExitStatus{})

	assert.True(t, jm.ShouldRespawn(a))
	assert.False(t, jm.ShouldRespawn(once))

	a.Unloading = true
	assert.False(t, jm.ShouldRespawn(a), "unloading jobs stay down")

	a.Unloading = false
	_, err = jm.Disable("a")
	require.NoError(t, err)
	assert.False(t, jm.ShouldRespawn(a), "disabled jobs stay down")
}

func TestRespawnDelay(t *testing.T) {
	jm, _, clock := newTestJobManager()
	d := newTestDesc("a")
	d.KeepAlive.Always = true
	_, err := jm.Add(d, false)
	require.NoError(t, err)

	started := clock.now
	require.NoError(t, jm.MarkRunning("a", &process.Handle{PID: 5, Started: started}))
	clock.now = started.Add(3 * time.Second)
	job, err := jm.MarkExited(5, types.ExitStatus{Code: 1})
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, jm.RespawnDelay(job))

	require.NoError(t, jm.MarkRunning("a", &process.Handle{PID: 6, Started: clock.now}))
	clock.now = clock.now.Add(time.Minute)
	job, err = jm.MarkExited(6, types.ExitStatus{})
	require.NoError(t, err)
	assert.Zero(t, jm.RespawnDelay(job))
	assert.Equal(t, uint64(2), job.Generation)
}
