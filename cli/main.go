// Package main provides a terminal observer for runs streamed by the ingress WebSocket server.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/kvnkishore11/agentickanban/cli/internal/projector"
	"github.com/kvnkishore11/agentickanban/cli/internal/wsclient"
	"github.com/kvnkishore11/agentickanban/protocol"
)

func parseStages(raw string) []string {
	var stages []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			stages = append(stages, s)
		}
	}
	return stages
}

// parseModels reads "plan=opus,test=sonnet".
func parseModels(raw string) (map[string]string, error) {
	models := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		stage, model, ok := strings.Cut(pair, "=")
		if !ok || stage == "" || model == "" {
			return nil, fmt.Errorf("invalid stage model %q, want stage=model", pair)
		}
		models[strings.TrimSpace(stage)] = strings.TrimSpace(model)
	}
	return models, nil
}

// observer wires the connection manager to the projector and prints what it
// learns.
type observer struct {
	client *wsclient.Client
	proj   *projector.Projector

	mu       sync.Mutex
	follow   string
	done     chan struct{}
	doneOnce sync.Once
}

func (o *observer) following(runID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return runID != "" && runID == o.follow
}

func (o *observer) setFollow(runID string) {
	o.mu.Lock()
	o.follow = runID
	o.mu.Unlock()
}

func (o *observer) finish(runID string) {
	o.doneOnce.Do(func() {
		o.printRun(runID)
		close(o.done)
	})
}

func (o *observer) onApply(evt *protocol.Event, payload protocol.Payload) {
	switch p := payload.(type) {
	case *protocol.StageTransition:
		from := p.FromStage
		if from == "" {
			from = "-"
		}
		line := fmt.Sprintf("[%s #%d] stage %s -> %s (%s)", evt.RunID, evt.Seq, from, p.ToStage, p.Model)
		if p.Error != "" {
			line += " error: " + p.Error
		}
		fmt.Println(line)
		if o.following(evt.RunID) && (p.ToStage == "completed" || p.ToStage == "errored") {
			o.finish(evt.RunID)
		}
	case *protocol.FileActivity:
		fmt.Printf("[%s #%d] %s %s +%d -%d\n", evt.RunID, evt.Seq, p.Operation, p.Path, p.LinesAdded, p.LinesRemoved)
	case *protocol.ToolCallPost:
		status := "ok"
		if !p.Success {
			status = "failed: " + p.Error
		}
		fmt.Printf("[%s #%d] tool %s %s (%dms)\n", evt.RunID, evt.Seq, p.ToolName, status, p.DurationMs)
	case *protocol.ReasoningStep:
		fmt.Printf("[%s #%d] step %d: %s\n", evt.RunID, evt.Seq, p.Seq, p.Content)
	case *protocol.LogLine:
		fmt.Printf("[%s #%d] %s: %s\n", evt.RunID, evt.Seq, p.Level, p.Message)
	case *protocol.SummaryUpdate:
		fmt.Printf("[%s #%d] summary %s: %s\n", evt.RunID, evt.Seq, p.Scope, p.Content)
	case *protocol.Unknown:
		fmt.Printf("[%s #%d] unknown event %s\n", evt.RunID, evt.Seq, p.Type)
	}
}

// resync asks for a snapshot and applies it once the ack arrives.
func (o *observer) resync(runID string) {
	pending := o.client.Resync(runID)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		ack, err := pending.Wait(ctx)
		if err != nil {
			log.Printf("WARN: resync %s failed: %v", runID, err)
			return
		}
		if !ack.Accepted || ack.Snapshot == nil {
			log.Printf("WARN: resync %s rejected: %s %s", runID, ack.Code, ack.Error)
			return
		}
		o.proj.ApplySnapshot(ack.Snapshot)
		fmt.Printf("[%s] resynced at seq %d\n", runID, ack.Snapshot.LastSeq)
		if state, ok := o.proj.Run(runID); ok && state.Terminal() && o.following(runID) {
			o.finish(runID)
		}
	}()
}

func (o *observer) trigger(req protocol.TriggerRequest) {
	pending := o.client.TriggerRun(req)
	fmt.Printf("Trigger for %s queued (%d pending, %s)\n", req.TaskID, o.client.QueueLen(), o.client.State())
	go func() {
		ack, err := pending.Wait(context.Background())
		if err != nil {
			log.Printf("WARN: trigger %s failed: %v", req.TaskID, err)
			return
		}
		switch {
		case ack.Accepted:
			fmt.Printf("Run %s started for %s\n", ack.RunID, req.TaskID)
		case ack.Code == protocol.ErrorCodeDuplicateTrigger:
			fmt.Printf("Duplicate trigger for %s, run %s already exists\n", req.TaskID, ack.RunID)
		default:
			fmt.Printf("Trigger for %s rejected: %s %s\n", req.TaskID, ack.Code, ack.Error)
		}
	}()
}

func (o *observer) printRun(runID string) {
	state, ok := o.proj.Run(runID)
	if !ok {
		fmt.Printf("Unknown run %s\n", runID)
		return
	}
	status := "running"
	switch {
	case state.Completed:
		status = "completed"
	case state.Errored:
		status = "errored: " + state.ErrorMessage
	}
	fmt.Printf("%s task=%s stage=%s model=%s seq=%d tools=%d files=%d %s\n",
		state.RunID, state.TaskID, state.CurrentStage, state.Model, state.LastSeq, state.ToolCalls, len(state.Files), status)
	for _, stage := range state.QueuedStages {
		sub := state.StageStates[stage]
		if sub == "" {
			sub = "pending"
		}
		fmt.Printf("  %-9s %-9s %s\n", stage, sub, state.StageModels[stage])
	}
	for _, f := range state.Files {
		fmt.Printf("  %-8s %s +%d -%d %s\n", f.Operation, f.Path, f.LinesAdded, f.LinesRemoved, f.Summary)
	}
}

func (o *observer) printStatus() {
	conns, at := o.proj.Connections()
	fmt.Printf("Connection: %s (id %s), queued: %d, server connections: %d", o.client.State(), o.client.ConnectionID(), o.client.QueueLen(), conns)
	if !at.IsZero() {
		fmt.Printf(", last heartbeat %s ago", time.Since(at).Round(time.Second))
	}
	fmt.Println()
	for _, state := range o.proj.Runs() {
		o.printRun(state.RunID)
	}
}

func main() {
	addr := flag.String("addr", "ws://localhost:8090/ws", "WebSocket server address")
	apiKey := flag.String("api-key", os.Getenv("INGRESS_API_KEY"), "API key for authentication")
	clientID := flag.String("client-id", "", "Client identity sent in hello (random when empty)")
	task := flag.String("trigger", "", "Trigger a run for this task id and exit when it finishes")
	stagesFlag := flag.String("stages", "plan,build,test", "Comma separated workflow stages for -trigger")
	modelsFlag := flag.String("models", "", "Per-stage model overrides, e.g. plan=opus,test=sonnet")
	patchOf := flag.String("patch-of", "", "Run id the triggered run patches")
	flag.Parse()

	log.SetFlags(log.Ltime)

	models, err := parseModels(*modelsFlag)
	if err != nil {
		log.Fatalf("Invalid -models: %v", err)
	}
	if *clientID == "" {
		*clientID = "cli-" + uuid.New().String()[:8]
	}

	o := &observer{done: make(chan struct{})}
	o.proj = projector.New(projector.Options{
		Resync:  func(runID string) { o.resync(runID) },
		OnApply: o.onApply,
	})
	o.client = wsclient.New(wsclient.Options{
		URL:      *addr,
		APIKey:   *apiKey,
		ClientID: *clientID,
		Resume:   o.proj.LastSeq,
		OnEvent: func(evt *protocol.Event) {
			o.proj.Apply(evt)
		},
		OnStateChange: func(from, to wsclient.State) {
			log.Printf("INFO: connection %s -> %s", from, to)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// SIGUSR1 pauses heartbeats and reconnects, SIGUSR2 resumes them.
	lifecycle := make(chan os.Signal, 1)
	signal.Notify(lifecycle, syscall.SIGUSR1, syscall.SIGUSR2)
	go func() {
		for sig := range lifecycle {
			if sig == syscall.SIGUSR1 {
				o.client.Pause()
				log.Printf("INFO: paused")
			} else {
				o.client.Resume()
				log.Printf("INFO: resumed")
			}
		}
	}()

	go o.proj.Watch(ctx)

	runErr := make(chan error, 1)
	go func() { runErr <- o.client.Run(ctx) }()

	fmt.Printf("Connecting to %s as %s...\n", *addr, *clientID)

	if *task != "" {
		req := protocol.TriggerRequest{
			TaskID:         *task,
			WorkflowStages: parseStages(*stagesFlag),
			StageModels:    models,
			PatchOf:        *patchOf,
		}
		pending := o.client.TriggerRun(req)
		ack, err := pending.Wait(ctx)
		if err != nil {
			log.Fatalf("Trigger failed: %v", err)
		}
		if !ack.Accepted && ack.Code != protocol.ErrorCodeDuplicateTrigger {
			log.Fatalf("Trigger rejected: %s %s", ack.Code, ack.Error)
		}
		fmt.Printf("Following run %s\n", ack.RunID)
		o.setFollow(ack.RunID)
		o.resync(ack.RunID)

		select {
		case <-o.done:
		case <-ctx.Done():
		case err := <-runErr:
			log.Fatalf("Connection ended: %v", err)
		}
		return
	}

	fmt.Println("\nCommands:")
	fmt.Println("  /trigger TASK [stages] [stage=model,...]")
	fmt.Println("  /patch RUN_ID TASK [stages]")
	fmt.Println("  /cancel RUN_ID [reason]")
	fmt.Println("  /resync RUN_ID")
	fmt.Println("  /status, /pause, /resume, /quit")

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		fmt.Print("> ")
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted")
			return
		case err := <-runErr:
			log.Fatalf("Connection ended: %v", err)
		case input, ok := <-lines:
			if !ok {
				return
			}
			fields := strings.Fields(input)
			if len(fields) == 0 {
				continue
			}

			switch fields[0] {
			case "/quit":
				fmt.Println("Bye!")
				return
			case "/status":
				o.printStatus()
			case "/pause":
				o.client.Pause()
			case "/resume":
				o.client.Resume()
			case "/trigger":
				if len(fields) < 2 {
					fmt.Println("usage: /trigger TASK [stages] [stage=model,...]")
					continue
				}
				req := protocol.TriggerRequest{TaskID: fields[1], WorkflowStages: parseStages(*stagesFlag), StageModels: models}
				if len(fields) > 2 {
					req.WorkflowStages = parseStages(fields[2])
				}
				if len(fields) > 3 {
					m, err := parseModels(fields[3])
					if err != nil {
						fmt.Println(err)
						continue
					}
					req.StageModels = m
				}
				o.trigger(req)
			case "/patch":
				if len(fields) < 3 {
					fmt.Println("usage: /patch RUN_ID TASK [stages]")
					continue
				}
				req := protocol.TriggerRequest{PatchOf: fields[1], TaskID: fields[2], WorkflowStages: parseStages(*stagesFlag)}
				if len(fields) > 3 {
					req.WorkflowStages = parseStages(fields[3])
				}
				o.trigger(req)
			case "/cancel":
				if len(fields) < 2 {
					fmt.Println("usage: /cancel RUN_ID [reason]")
					continue
				}
				reason := strings.Join(fields[2:], " ")
				pending := o.client.CancelRun(fields[1], reason)
				go func(runID string) {
					ack, err := pending.Wait(context.Background())
					if err != nil {
						log.Printf("WARN: cancel %s failed: %v", runID, err)
						return
					}
					fmt.Printf("Cancel %s accepted=%t %s\n", runID, ack.Accepted, ack.Error)
				}(fields[1])
			case "/resync":
				if len(fields) < 2 {
					fmt.Println("usage: /resync RUN_ID")
					continue
				}
				o.resync(fields[1])
			default:
				fmt.Printf("Unknown command %s\n", fields[0])
			}
		}
	}
}
