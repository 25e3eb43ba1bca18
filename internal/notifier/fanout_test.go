package notifier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xwatch/internal/status"
	"xwatch/internal/transport"
	logx "xwatch/pkg/logx"
)

func logxNop() logx.Logger { return logx.Nop() }

func TestFanoutRoutesPerSink(t *testing.T) {
	t.Parallel()

	tg := &fakeSink{name: "telegram"}
	wh := &fakeSink{name: "webhook"}
	tr := status.New()
	f := NewFanout(tr, logxNop(),
		New(tg, testConfig(), tr, logxNop()),
		New(wh, testConfig(), tr, logxNop()),
	)
	f.Start(context.Background())
	defer f.Stop(context.Background())

	err := f.Notify(Targets{"telegram": {"1", "2"}, "webhook": {"https://hook"}, "cqhttp": nil}, Message{Text: "hello"})
	require.NoError(t, err)
	f.Stop(context.Background())

	assert.Len(t, tg.sent(), 2)
	require.Len(t, wh.sent(), 1)
	assert.Equal(t, "https://hook", wh.sent()[0].Destination)
	assert.False(t, tr.LastNotify().IsZero())
}

func TestFanoutUnknownSink(t *testing.T) {
	t.Parallel()

	tr := status.New()
	tg := &fakeSink{name: "telegram"}
	f := NewFanout(tr, logxNop(), New(tg, testConfig(), tr, logxNop()))
	f.Start(context.Background())

	err := f.Notify(Targets{"cqhttp": {"http://x"}, "telegram": {"1"}}, Message{Text: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cqhttp")
	f.Stop(context.Background())
	assert.Len(t, tg.sent(), 1, "other sinks still receive the message")
}

func TestFanoutNotifyNothing(t *testing.T) {
	t.Parallel()

	tr := status.New()
	f := NewFanout(tr, logxNop())
	require.NoError(t, f.Notify(Targets{}, Message{Text: "x"}))
	assert.True(t, tr.LastNotify().IsZero())
	assert.True(t, Targets{"telegram": nil}.Empty())
}

func TestFanoutConfirmSkipsSinksWithoutInbound(t *testing.T) {
	t.Parallel()

	// "alpha" sorts before "telegram" and cannot read replies.
	wh := &fakeSink{name: "alpha"}
	tg := &replySink{fakeSink: fakeSink{name: "telegram"}, replies: []transport.Inbound{inbound("42", "yes")}}
	f := NewFanout(nil, logxNop(), New(wh, testConfig(), nil, logxNop()), New(tg, testConfig(), nil, logxNop()))
	f.Start(context.Background())
	defer f.Stop(context.Background())

	ok, err := f.Confirm(context.Background(), Targets{"alpha": {"u"}, "telegram": {"42"}}, "go?", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = f.Confirm(context.Background(), Targets{"alpha": {"u"}}, "go?", time.Second)
	assert.ErrorIs(t, err, ErrNoInbound)
}

func inbound(dest, text string) transport.Inbound {
	return transport.Inbound{Destination: dest, Text: text}
}
