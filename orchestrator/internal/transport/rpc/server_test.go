package rpc

import (
	"context"
	"net"
	"net/rpc/jsonrpc"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvnkishore11/agentickanban/orchestrator/internal/config"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/domain"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/executor"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/policy"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/service"
	"github.com/kvnkishore11/agentickanban/orchestrator/tests/helpers"
	"github.com/kvnkishore11/agentickanban/protocol"
)

func TestWorkerCallsOverJSONRPC(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	require.NoError(t, err)
	cfg := &config.Config{OutboxSize: 64, Workflow: config.DefaultWorkflow(), StageTimeout: 5 * time.Second}
	svc := service.New(cfg, service.Deps{
		Store:      helpers.NewTestSQLiteStore(t),
		Executor:   executor.NewExternal(),
		Classifier: engine,
	})
	require.NoError(t, svc.Start(ctx))

	srv, err := NewServer(svc)
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), time.Second)
		defer scancel()
		_ = srv.Shutdown(sctx)
	}()

	client, err := jsonrpc.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	res, err := svc.Trigger(ctx, protocol.TriggerRequest{TaskID: "T1", WorkflowStages: []string{"plan"}})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		run, err := svc.GetRun(ctx, res.RunID)
		return err == nil && run.StageStates[domain.StagePlan] == domain.SubStateRunning
	}, 5*time.Second, 5*time.Millisecond)

	var hookResp HookReply
	require.NoError(t, client.Call("Orchestrator.FireHook", &HookArgs{RunID: res.RunID, Point: "reasoning_step", Content: "thinking", StepSeq: 1}, &hookResp))
	assert.Equal(t, 0, hookResp.Failed)

	err = client.Call("Orchestrator.FireHook", &HookArgs{RunID: res.RunID, Point: "bogus"}, &hookResp)
	assert.Error(t, err)

	var ack AckResponse
	require.NoError(t, client.Call("Orchestrator.ReportStageResult", &StageResultArgs{RunID: res.RunID, Stage: "plan", Success: true}, &ack))
	assert.True(t, ack.OK)

	require.Eventually(t, func() bool {
		run, err := svc.GetRun(ctx, res.RunID)
		return err == nil && run.Completed
	}, 5*time.Second, 5*time.Millisecond)

	events, err := svc.Events(ctx, res.RunID, 0, 0)
	require.NoError(t, err)
	var reasoning int
	for _, e := range events {
		if e.Type == protocol.EventReasoningStep {
			reasoning++
		}
	}
	assert.Equal(t, 1, reasoning)

	cancel()
	svc.Wait()
}
