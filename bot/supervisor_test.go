package bot

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/chzzk-bot/chat"
)

type supervisorFixture struct {
	sup     *Supervisor
	control *chat.Control
	poster  *fakePoster
	alerts  *fakeNotifier
	logins  atomic.Int32
	loginFn func() (Poster, error)
	journal map[string]string
	jmu     sync.Mutex
}

func newSupervisorFixture(t *testing.T) *supervisorFixture {
	t.Helper()
	f := &supervisorFixture{
		control: chat.NewControl(false),
		alerts:  &fakeNotifier{},
		journal: map[string]string{},
	}
	f.loginFn = func() (Poster, error) {
		f.poster = &fakePoster{}
		return f.poster, nil
	}
	login := func(context.Context) (Poster, error) {
		f.logins.Add(1)
		return f.loginFn()
	}
	journal := JournalFunc(func(_ context.Context, k, v string) error {
		f.jmu.Lock()
		defer f.jmu.Unlock()
		f.journal[k] = v
		return nil
	})
	f.sup = NewSupervisor(SupervisorConfig{}, f.control, f.alerts, login, nil, journal)
	return f
}

func TestSupervisorStartAnnounces(t *testing.T) {
	f := newSupervisorFixture(t)
	require.NoError(t, f.sup.Start(context.Background()))
	assert.False(t, f.control.Paused())
	assert.True(t, f.sup.CanReply())
	assert.Equal(t, []string{DefaultConnectMessage}, f.poster.messages())
}

func TestSupervisorStartReadOnly(t *testing.T) {
	f := newSupervisorFixture(t)
	f.loginFn = func() (Poster, error) { return nil, nil }
	require.NoError(t, f.sup.Start(context.Background()))
	assert.False(t, f.control.Paused())
	assert.False(t, f.sup.CanReply())
	assert.ErrorIs(t, f.sup.Reply(context.Background(), "x"), ErrNoReplyChannel)
}

func TestSupervisorReplyIsBoundedBySendTimeout(t *testing.T) {
	f := newSupervisorFixture(t)
	require.NoError(t, f.sup.Start(context.Background()))

	before := time.Now()
	require.NoError(t, f.sup.Reply(context.Background(), "[DB] '가'(으)로 시작하는 단어: 3개"))

	f.poster.mu.Lock()
	dl := f.poster.deadlines[len(f.poster.deadlines)-1]
	f.poster.mu.Unlock()
	require.False(t, dl.IsZero(), "reply sent without a deadline")
	assert.WithinDuration(t, before.Add(f.sup.cfg.SendTimeout), dl, time.Second)
}

func TestSupervisorStartLoginFailurePauses(t *testing.T) {
	f := newSupervisorFixture(t)
	f.loginFn = func() (Poster, error) { return nil, errors.New("cookies expired") }
	err := f.sup.Start(context.Background())
	require.Error(t, err)
	assert.True(t, f.control.Paused())
	alerts := f.alerts.got()
	require.Len(t, alerts, 1)
	assert.Equal(t, "재시작/로그인 실패", alerts[0].Subject)
	assert.Contains(t, alerts[0].Detail, "cookies expired")
}

func TestSupervisorPause(t *testing.T) {
	f := newSupervisorFixture(t)
	require.NoError(t, f.sup.Start(context.Background()))

	f.sup.Pause(context.Background(), "DB 연결 끊김", "connection refused")
	assert.True(t, f.control.Paused())
	assert.Equal(t, []string{DefaultConnectMessage, DefaultGoodbyeMessage}, f.poster.messages())
	require.Len(t, f.alerts.got(), 1)
	st := f.sup.Status()
	require.NotNil(t, st.LastPause)
	assert.Equal(t, "DB 연결 끊김", st.LastPause.Reason)
	f.jmu.Lock()
	assert.Equal(t, "DB 연결 끊김: connection refused", f.journal["last_pause"])
	f.jmu.Unlock()

	// A second pause is a no-op.
	f.sup.Pause(context.Background(), "again", "")
	assert.Len(t, f.alerts.got(), 1)
	assert.Len(t, f.poster.messages(), 2)
}

func TestSupervisorEscalate(t *testing.T) {
	f := newSupervisorFixture(t)
	require.NoError(t, f.sup.Start(context.Background()))
	f.sup.Escalate(context.Background(), "chat credential rejected repeatedly", chat.ErrCredentialRejected)
	assert.True(t, f.control.Paused())
	alerts := f.alerts.got()
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0].Detail, "rejected")
}

func TestSupervisorRestart(t *testing.T) {
	f := newSupervisorFixture(t)
	require.NoError(t, f.sup.Start(context.Background()))
	first := f.poster
	f.sup.Pause(context.Background(), "DB 연결 끊김", "x")

	var reloaded atomic.Bool
	f.sup.reload = func(context.Context) error { reloaded.Store(true); return nil }
	require.NoError(t, f.sup.Restart(context.Background()))

	assert.True(t, reloaded.Load())
	assert.True(t, first.isClosed())
	assert.NotSame(t, first, f.poster)
	assert.False(t, f.control.Paused())
	assert.Equal(t, []string{DefaultConnectMessage}, f.poster.messages())
	assert.EqualValues(t, 2, f.logins.Load())
}

func TestSupervisorRestartFailureStaysPaused(t *testing.T) {
	f := newSupervisorFixture(t)
	require.NoError(t, f.sup.Start(context.Background()))
	f.loginFn = func() (Poster, error) { return nil, errors.New("login refused") }

	err := f.sup.Restart(context.Background())
	require.Error(t, err)
	assert.True(t, f.control.Paused())
	assert.False(t, f.sup.CanReply())
	assert.Len(t, f.alerts.got(), 1)

	f.sup.reload = func(context.Context) error { return errors.New("bad .env") }
	assert.ErrorContains(t, f.sup.Restart(context.Background()), "bad .env")
	assert.True(t, f.control.Paused())
}

func TestSupervisorRestartSingleFlight(t *testing.T) {
	f := newSupervisorFixture(t)
	require.NoError(t, f.sup.Start(context.Background()))

	entered := make(chan struct{})
	release := make(chan struct{})
	f.sup.reload = func(context.Context) error {
		close(entered)
		<-release
		return nil
	}
	errc := make(chan error, 1)
	go func() { errc <- f.sup.Restart(context.Background()) }()
	<-entered

	assert.ErrorIs(t, f.sup.Restart(context.Background()), ErrRestartInProgress)
	assert.True(t, f.sup.Status().Restarting)
	// Pauses requested during a restart are ignored.
	f.sup.Pause(context.Background(), "ignored", "")
	assert.Empty(t, f.alerts.got())

	close(release)
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("restart did not finish")
	}
	assert.False(t, f.sup.Status().Restarting)
}

func TestSupervisorTerminate(t *testing.T) {
	f := newSupervisorFixture(t)
	require.NoError(t, f.sup.Start(context.Background()))

	f.sup.Terminate(context.Background(), "메모리 누수 - 종료", "메모리 초과(600MB)")
	f.sup.Terminate(context.Background(), "twice", "")

	select {
	case <-f.sup.Terminated():
	default:
		t.Fatal("Terminated not closed")
	}
	assert.False(t, f.control.Running())
	assert.Equal(t, "메모리 누수 - 종료", f.sup.TerminateReason())
	alerts := f.alerts.got()
	require.Len(t, alerts, 1)
	assert.True(t, alerts[0].Fatal)
	assert.Equal(t, []string{DefaultConnectMessage, DefaultGoodbyeMessage}, f.poster.messages())
	assert.ErrorIs(t, f.sup.Restart(context.Background()), ErrTerminated)
	assert.True(t, f.sup.Status().Terminated)
}

func TestSupervisorShutdown(t *testing.T) {
	f := newSupervisorFixture(t)
	require.NoError(t, f.sup.Start(context.Background()))
	f.sup.Shutdown(context.Background())
	assert.Equal(t, []string{DefaultConnectMessage, DefaultGoodbyeMessage}, f.poster.messages())
	assert.True(t, f.poster.isClosed())
	assert.False(t, f.sup.CanReply())
}

func TestSupervisorAnnouncementFailureIsIgnored(t *testing.T) {
	f := newSupervisorFixture(t)
	f.loginFn = func() (Poster, error) {
		f.poster = &fakePoster{fail: errors.New("socket gone")}
		return f.poster, nil
	}
	require.NoError(t, f.sup.Start(context.Background()))
	f.sup.Pause(context.Background(), "reason", "detail")
	assert.True(t, f.control.Paused())
	assert.Len(t, f.alerts.got(), 1)
}
