package bot

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Operator is the control surface shared by the console and the admin API.
type Operator interface {
	Restart(ctx context.Context) error
	Pause(ctx context.Context, reason, detail string)
	Resume()
}

// StatusFunc returns a JSON-encodable status snapshot.
type StatusFunc func() any

// Console reads operator commands line by line: restart, pause, resume,
// status and help.
type Console struct {
	op     Operator
	status StatusFunc
	in     io.Reader
	out    io.Writer
}

// NewConsole returns a console reading in and writing replies to out.
func NewConsole(op Operator, status StatusFunc, in io.Reader, out io.Writer) *Console {
	return &Console{op: op, status: status, in: in, out: out}
}

// Run handles commands until ctx is done or the input ends. The reader is
// drained on its own goroutine so a blocked stdin does not hold up
// shutdown.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	fmt.Fprintln(c.out, `명령어: "restart" 입력 시 설정을 새로고침하고 재시작합니다. (pause, resume, status, help)`)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			c.handle(ctx, line)
		}
	}
}

func (c *Console) handle(ctx context.Context, line string) {
	switch cmd := strings.ToLower(strings.TrimSpace(line)); cmd {
	case "":
	case "restart":
		fmt.Fprintln(c.out, "=== 수동 재시작 프로세스 가동 ===")
		if err := c.op.Restart(ctx); err != nil {
			fmt.Fprintf(c.out, "재시작 실패: %v\n", err)
			return
		}
		fmt.Fprintln(c.out, "=== 시스템이 성공적으로 재시작되었습니다. ===")
	case "pause":
		c.op.Pause(ctx, "수동 일시 정지", "console")
		fmt.Fprintln(c.out, "paused")
	case "resume":
		c.op.Resume()
		fmt.Fprintln(c.out, "resumed")
	case "status":
		b, err := json.MarshalIndent(c.status(), "", "  ")
		if err != nil {
			fmt.Fprintf(c.out, "status: %v\n", err)
			return
		}
		fmt.Fprintln(c.out, string(b))
	case "help":
		fmt.Fprintln(c.out, "commands: restart | pause | resume | status | help")
	default:
		slog.Debug("console: unknown command", slog.String("cmd", cmd))
		fmt.Fprintf(c.out, "unknown command %q (try help)\n", cmd)
	}
}
