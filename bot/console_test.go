package bot

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

type fakeOperator struct {
	mu       sync.Mutex
	calls    []string
	restartE error
}

func (o *fakeOperator) record(s string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, s)
}

func (o *fakeOperator) Restart(context.Context) error { o.record("restart"); return o.restartE }
func (o *fakeOperator) Pause(_ context.Context, reason, _ string) {
	o.record("pause:" + reason)
}
func (o *fakeOperator) Resume() { o.record("resume") }

// syncBuffer guards the console output written from Run.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestConsoleCommands(t *testing.T) {
	op := &fakeOperator{}
	out := &syncBuffer{}
	in := strings.NewReader("  RESTART \n\npause\nresume\nstatus\nbogus\n")
	c := NewConsole(op, func() any { return map[string]string{"state": "streaming"} }, in, out)

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := []string{"restart", "pause:수동 일시 정지", "resume"}
	if strings.Join(op.calls, ",") != strings.Join(want, ",") {
		t.Errorf("calls = %v, want %v", op.calls, want)
	}
	got := out.String()
	for _, s := range []string{"성공적으로 재시작", `"state": "streaming"`, `unknown command "bogus"`} {
		if !strings.Contains(got, s) {
			t.Errorf("output missing %q:\n%s", s, got)
		}
	}
}

func TestConsoleRestartFailure(t *testing.T) {
	op := &fakeOperator{restartE: errors.New("login refused")}
	out := &syncBuffer{}
	c := NewConsole(op, func() any { return nil }, strings.NewReader("restart\n"), out)
	if err := c.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "재시작 실패: login refused") {
		t.Errorf("output = %q", out.String())
	}
}
