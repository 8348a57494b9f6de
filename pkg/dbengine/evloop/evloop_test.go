package evloop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubmitWaitInlineHandler(t *testing.T) {
	l := New(Config{
		MinWorkers: 2,
		Handlers: HandlerTable{
			KindAcquirePage: func(op Op, submit func(Op)) {
				op.Result = "page"
				reply(op)
			},
		},
	})
	l.Start()

	res, err := l.SubmitWait(context.Background(), Op{Kind: KindAcquirePage})
	require.NoError(t, err)
	require.Equal(t, "page", res.Result)

	require.NoError(t, l.Shutdown(context.Background(), 0))
}

func TestBlockingHandlerRunsOnWorkerPool(t *testing.T) {
	var ran atomic.Bool
	l := New(Config{
		MinWorkers: 1,
		Handlers: HandlerTable{
			KindFlushInit: func(op Op, submit func(Op)) {
				ran.Store(true)
				reply(op)
			},
			KindSealDatafile: func(op Op, submit func(Op)) { reply(op) },
			KindShutdown:     func(op Op, submit func(Op)) { reply(op) },
		},
	})
	l.Start()

	require.NoError(t, l.Shutdown(context.Background(), 0))
	require.True(t, ran.Load())
}

func TestUnknownOpcodeIsDroppedNotBlocked(t *testing.T) {
	l := New(Config{MinWorkers: 1, Handlers: HandlerTable{}})
	l.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := l.SubmitWait(ctx, Op{Kind: KindEvict})
	require.NoError(t, err)

	require.NoError(t, l.Shutdown(context.Background(), 0))
}

func TestHandlerCanChainFollowUpOpcode(t *testing.T) {
	done := make(chan struct{})
	l := New(Config{
		MinWorkers: 1,
		Handlers: HandlerTable{
			KindIngestPage: func(op Op, submit func(Op)) {
				submit(Op{Kind: KindEvict})
				reply(op)
			},
			KindEvict: func(op Op, submit func(Op)) {
				close(done)
				reply(op)
			},
		},
	})
	l.Start()

	_, err := l.SubmitWait(context.Background(), Op{Kind: KindIngestPage})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("chained opcode never ran")
	}

	require.NoError(t, l.Shutdown(context.Background(), 0))
}

func TestQuiescingFlagVisibleToHandlers(t *testing.T) {
	l := New(Config{
		MinWorkers: 1,
		Handlers: HandlerTable{
			KindIngestPage: func(op Op, submit func(Op)) { reply(op) },
			KindQuiesce:    func(op Op, submit func(Op)) { reply(op) },
		},
	})
	l.Start()
	require.False(t, l.Quiescing())

	require.NoError(t, l.Quiesce(context.Background()))
	require.True(t, l.Quiescing())

	require.NoError(t, l.Shutdown(context.Background(), 0))
}

func TestWorkerCountRespectsMaxWorkers(t *testing.T) {
	n := workerCount(Config{MinWorkers: 2, MaxWorkers: 3})
	require.LessOrEqual(t, n, 3)
	require.GreaterOrEqual(t, n, 1)
}
