// Command clio is a terminal-hosted coding agent. It drives an LLM turn
// loop against the current repository, with tool calls sandboxed to the
// working directory and coordinated with sibling agents through cliobroker.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"clio.dev/broker"
	"clio.dev/cliotool"
	"clio.dev/cliotool/redact"
	"clio.dev/cliotool/resultstore"
	"clio.dev/cliotool/sandbox"
	"clio.dev/cliotool/undo"
	"clio.dev/contextmgr"
	"clio.dev/llm/oai"
	"clio.dev/loop"
	"clio.dev/mcp"
	"clio.dev/scribe"
	"clio.dev/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v: %v\n", os.Args[0], err)
		os.Exit(1)
	}
}

// stringList collects a repeatable string flag.
type stringList []string

func (l *stringList) String() string     { return strings.Join(*l, ",") }
func (l *stringList) Set(s string) error { *l = append(*l, s); return nil }

func run() error {
	workingDir := flag.String("wd", "", "working directory; defaults to the current directory")
	modelName := flag.String("model", oai.DefaultModel.UserName, "model to use")
	stateDir := flag.String("state-dir", "", "session state directory; defaults to ~/.clio/sessions")
	sessionID := flag.String("session-id", session.NewSessionID(), "session to open or resume")
	redactLevel := flag.String("redact", "pii", "redaction level: off, pii, api_permissive, standard, strict")
	brokerSocket := flag.String("broker", "", "broker unix socket; empty runs uncoordinated")
	task := flag.String("task", "", "short task description shown to sibling agents")
	autoApprove := flag.Bool("auto-approve", false, "skip write authorization prompts")
	oneShot := flag.Bool("one", false, "run the argument as a single turn and exit")
	verbose := flag.Bool("verbose", false, "log to stdout instead of a file")
	version := flag.Bool("version", false, "print the version and exit")
	var plugins stringList
	flag.Var(&plugins, "plugin", `external tool server as JSON, e.g. {"name":"db","command":"db-mcp"}; repeatable`)
	flag.Parse()

	if *version {
		if bi, ok := debug.ReadBuildInfo(); ok {
			fmt.Printf("%s@%v\n", bi.Path, bi.Main.Version)
		}
		return nil
	}

	ctx := scribe.ContextWithAttr(context.Background(), slog.String("session_id", *sessionID))

	if *verbose {
		slog.SetDefault(slog.New(scribe.AttrsWrap(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))))
	} else {
		logFile, err := os.CreateTemp("", "clio-log-*")
		if err != nil {
			return fmt.Errorf("cannot create log file: %v", err)
		}
		defer logFile.Close()
		fmt.Printf("structured logs: %v\n", logFile.Name())
		slog.SetDefault(scribe.NewSessionLogger(logFile))
	}

	wd := *workingDir
	if wd == "" {
		var err error
		if wd, err = os.Getwd(); err != nil {
			return err
		}
	}

	level, err := redact.ParseLevel(*redactLevel)
	if err != nil {
		return err
	}

	model := oai.ModelByUserName(*modelName)
	if model.IsZero() {
		return fmt.Errorf("unknown model %q", *modelName)
	}
	apiKey := os.Getenv(model.APIKeyEnv)
	if apiKey == "" {
		return fmt.Errorf("%s environment variable is not set", model.APIKeyEnv)
	}

	dir := *stateDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		dir = filepath.Join(home, ".clio", "sessions")
	}

	store, repair, err := session.Open(dir, *sessionID)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer store.Close()
	if !repair.IsZero() {
		fmt.Printf("session %s repaired: %s\n", *sessionID, repair)
		slog.WarnContext(ctx, "session repaired", "summary", repair.String())
	}

	results, err := resultstore.Open(store.ResultDir())
	if err != nil {
		return err
	}
	journal, err := undo.Open(store.UndoJournalPath())
	if err != nil {
		return err
	}

	reg := cliotool.NewRegistry()
	if err := cliotool.RegisterBuiltins(reg); err != nil {
		return err
	}
	plug := mcp.NewManager()
	defer plug.Close()
	for _, raw := range plugins {
		cfg, err := mcp.ParseServerConfig(raw)
		if err != nil {
			return err
		}
		if err := plug.Connect(ctx, cfg, reg); err != nil {
			// A dead plugin should not take the whole session down.
			fmt.Printf("plugin %s unavailable: %v\n", cfg.Name, err)
			slog.WarnContext(ctx, "plugin connect failed", "name", cfg.Name, "error", err)
		}
	}
	reg.Seal()

	var bc *broker.Client
	if *brokerSocket != "" {
		bc, err = broker.Dial(*brokerSocket, *sessionID, *task)
		if err != nil {
			fmt.Printf("broker unavailable, running uncoordinated: %v\n", err)
			slog.WarnContext(ctx, "broker dial failed", "error", err)
			bc = nil
		} else {
			defer bc.Close()
		}
	}

	est := contextmgr.NewEstimator()
	agent := &loop.Agent{
		Service:  &oai.Service{APIKey: apiKey, Model: model},
		Model:    model.ModelName,
		Store:    store,
		Context:  contextmgr.New(contextmgr.Params{ContextWindow: model.ContextWindow}, est),
		Registry: reg,
		Redactor: redact.New(level),
		Results:  results,
		Undo:     journal,
		Auth:     sandbox.NewAuthorizer(wd, *autoApprove),
		Broker:   bc,
		Log:      slog.Default(),
	}

	if store.MessageCount() == 0 {
		err := store.AppendMessage(&session.Message{
			Kind: session.KindSystem,
			Text: systemPrompt(wd),
		})
		if err != nil {
			return err
		}
	}

	resolver := &contextmgr.Resolver{WorkingDir: wd}

	if *oneShot {
		text := strings.Join(flag.Args(), " ")
		if text == "" {
			return fmt.Errorf("-one requires a message")
		}
		return runTurn(ctx, agent, est, resolver, text)
	}
	return repl(ctx, agent, est, resolver, journal, store, bc)
}

func systemPrompt(wd string) string {
	return strings.TrimSpace(fmt.Sprintf(`
You are clio, a coding agent working in the repository at %s.

Use the available tools to inspect and change the code. Keep edits minimal
and focused on the user's request. Track multi-step work with the todo
tools, and commit with git_commit only when asked. Large tool results are
stored externally; read them with result_fetch.
`, wd))
}

var (
	promptColor = color.New(color.FgCyan, color.Bold)
	agentColor  = color.New(color.FgGreen)
	noteColor   = color.New(color.FgYellow)
)

func repl(ctx context.Context, agent *loop.Agent, est *contextmgr.Estimator, resolver *contextmgr.Resolver, journal *undo.Journal, store *session.Store, bc *broker.Client) error {
	// First Ctrl-C cancels the turn, second one exits.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		noteColor.Println("\ninterrupt: cancelling turn (Ctrl-C again to exit)")
		agent.Cancel()
		<-sigCh
		os.Exit(130)
	}()

	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		promptColor.Printf("clio> ")
		if !sc.Scan() {
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/undo":
			doUndo(journal)
			continue
		case line == "/todos":
			printTodos(store)
			continue
		case line == "/status":
			printStatus(bc)
			continue
		case strings.HasPrefix(line, "/"):
			noteColor.Printf("unknown command %s (try /undo, /todos, /status, /quit)\n", line)
			continue
		}
		if err := runTurn(ctx, agent, est, resolver, line); err != nil {
			return err
		}
	}
}

func runTurn(ctx context.Context, agent *loop.Agent, est *contextmgr.Estimator, resolver *contextmgr.Resolver, text string) error {
	msg := &session.Message{Kind: session.KindUser, Text: text}
	if tags := contextmgr.ParseTags(text); len(tags) > 0 {
		msg.ContextBlocks = resolver.Resolve(est, tags)
		for _, b := range msg.ContextBlocks {
			if b.Truncated {
				noteColor.Printf("attachment %s truncated to fit the context budget\n", b.Source)
			}
		}
	}

	res, err := agent.Turn(ctx, msg)
	if err != nil {
		return err
	}
	switch res.State {
	case loop.StateDone:
		agentColor.Println(res.FinalText)
	case loop.StateCancelled:
		noteColor.Println("turn cancelled")
	case loop.StateMaxIterations:
		noteColor.Printf("turn stopped after %d iterations\n", res.Iterations)
	case loop.StateBudgetExhausted:
		noteColor.Println("context window exhausted; try a fresh session or a smaller request")
	default:
		if res.Err != nil {
			noteColor.Printf("turn failed: %v\n", res.Err)
		}
	}
	return nil
}

func doUndo(journal *undo.Journal) {
	if journal.Depth() == 0 {
		noteColor.Println("nothing to undo")
		return
	}
	preview, err := journal.Preview()
	if err == nil && preview != "" {
		fmt.Println(preview)
	}
	rec, err := journal.Undo()
	if err != nil {
		noteColor.Printf("undo failed: %v\n", err)
		return
	}
	fmt.Printf("reverted turn %d (%d paths), %d undo steps left\n",
		rec.TurnID, len(rec.Entries), journal.Depth())
}

func printTodos(store *session.Store) {
	todos := store.Todos()
	if len(todos) == 0 {
		fmt.Println("no todos")
		return
	}
	for _, td := range todos {
		fmt.Printf("- [%s] %s\n", td.Status, td.Text)
	}
}

func printStatus(bc *broker.Client) {
	if bc == nil {
		noteColor.Println("not connected to a broker")
		return
	}
	info, err := bc.Status()
	if err != nil {
		if errors.Is(err, broker.ErrNotConnected) {
			noteColor.Println("broker connection lost")
		} else {
			noteColor.Printf("status failed: %v\n", err)
		}
		return
	}
	fmt.Printf("agents: %d, file locks: %d, in flight: %d/%d\n",
		len(info.Agents), info.FileLocks, info.InFlight, info.MaxParallel)
	if info.GitLockHolder != "" {
		fmt.Printf("git lock held by %s\n", info.GitLockHolder)
	}
	for _, a := range info.Agents {
		fmt.Printf("- %s %s (last seen %s)\n", a.AgentID, a.Task, a.LastSeen.Format("15:04:05"))
	}
}
