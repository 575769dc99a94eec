package bot

import (
	"context"
	"sync"
	"time"

	"github.com/onnwee/chzzk-bot/notify"
)

type fakePoster struct {
	mu     sync.Mutex
	sent   []string
	fail   error
	closed bool
	// deadlines holds the send context deadline per call (zero when unset).
	deadlines []time.Time
}

func (p *fakePoster) Send(ctx context.Context, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	dl, _ := ctx.Deadline()
	p.deadlines = append(p.deadlines, dl)
	if p.fail != nil {
		return p.fail
	}
	p.sent = append(p.sent, text)
	return nil
}

func (p *fakePoster) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *fakePoster) messages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sent...)
}

func (p *fakePoster) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeNotifier struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (n *fakeNotifier) Notify(_ context.Context, a notify.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return nil
}

func (n *fakeNotifier) got() []notify.Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Alert(nil), n.alerts...)
}
