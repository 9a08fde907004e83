package cli

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tinabots/tina/internal/agent"
	"github.com/tinabots/tina/internal/provider"
	"github.com/tinabots/tina/internal/task"
)

// ANSI styles, disabled when stdout is not a terminal.
type styles struct {
	dim, cyan, yellow, reset string
}

func newStyles() styles {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return styles{}
	}
	return styles{dim: "\033[2m", cyan: "\033[36m", yellow: "\033[33m", reset: "\033[0m"}
}

func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive REPL",
		RunE:  runChat,
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	a, err := newApp(slog.LevelWarn)
	if err != nil {
		return err
	}
	defer a.Close()

	st := newStyles()
	fmt.Printf("%stina %s — model %s. Type /help for commands, /exit to quit.%s\n",
		st.dim, Version, a.cfg.Agent.Model, st.reset)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if replCommand(a, line, st) {
				return nil
			}
			continue
		}
		streamOnce(a, line, st)
	}
}

// streamOnce runs one message through the agent, printing deltas live.
func streamOnce(a *app, message string, st styles) {
	resp, err := a.agent.Process(context.Background(), message, agent.Options{
		Hooks: provider.Hooks{
			OnText: func(delta string) {
				fmt.Print(delta)
			},
			OnThinking: func(delta string) {
				fmt.Printf("%s%s%s", st.dim, delta, st.reset)
			},
			OnTool: func(name string, tcArgs map[string]any) {
				detail := ""
				if cmdStr, ok := tcArgs["command"].(string); ok {
					if len(cmdStr) > 80 {
						cmdStr = cmdStr[:80]
					}
					detail = ": " + cmdStr
				}
				fmt.Printf("\n%s⚙ %s%s%s\n", st.yellow, name, detail, st.reset)
			},
		},
	})
	if err != nil {
		fmt.Printf("%sError: %v%s\n", st.yellow, err, st.reset)
		return
	}
	fmt.Println()
	if resp.CostUSD > 0 {
		fmt.Printf("%s[%d round trips, $%.4f]%s\n", st.dim, resp.RoundTrips, resp.CostUSD, st.reset)
	}
}

// replCommand handles a /command. Returns true when the REPL should exit.
func replCommand(a *app, line string, st styles) bool {
	parts := strings.Fields(line)
	cmd, args := strings.ToLower(parts[0]), parts[1:]

	switch cmd {
	case "/exit", "/quit":
		return true

	case "/new":
		name := strings.Join(args, " ")
		if name == "" {
			name = "New task"
		}
		t, err := a.tasks.Create(name)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			break
		}
		fmt.Printf("Created task [%s] %s\n", t.ID, t.Name)

	case "/tasks":
		list, err := a.tasks.List()
		if err != nil || len(list) == 0 {
			fmt.Println("No tasks.")
			break
		}
		for _, t := range list {
			printTask(t, st)
		}

	case "/resume":
		if len(args) == 0 {
			fmt.Println("Usage: /resume <task_id>")
			break
		}
		t, err := a.tasks.SetActive(args[0])
		if err != nil || t == nil {
			fmt.Printf("Task %q not found\n", args[0])
			break
		}
		fmt.Printf("Resumed [%s] %s\n", t.ID, t.Name)

	case "/compress":
		compressActive(a, st)

	case "/model":
		if len(args) == 0 {
			fmt.Printf("Current model: %s\n", a.CurrentModel())
			break
		}
		if _, err := a.SwitchModel(args[0]); err != nil {
			fmt.Printf("Model switch failed: %v\n", err)
			break
		}
		fmt.Printf("Model set to %s\n", args[0])

	case "/skills":
		list := a.skills.List()
		if len(list) == 0 {
			fmt.Println("No skills found.")
			break
		}
		for _, s := range list {
			fmt.Printf("%s  %s: %s%s\n", st.cyan, s.Name, s.Description, st.reset)
		}

	case "/help":
		fmt.Println("/new [name]    create a new task\n" +
			"/tasks         list tasks\n" +
			"/resume <id>   switch to a task\n" +
			"/compress      compress the active task\n" +
			"/model [name]  show or switch the model\n" +
			"/skills        list skills\n" +
			"/exit          quit")

	default:
		fmt.Printf("Unknown command: %s. Type /help\n", cmd)
	}
	return false
}

func compressActive(a *app, st styles) {
	t, err := a.tasks.Active()
	if err != nil || t == nil {
		fmt.Println("No active task")
		return
	}
	fmt.Println("Compressing...")
	summary, err := a.agent.ForceCompress(context.Background(), t)
	if err != nil {
		fmt.Printf("Compression failed: %v\n", err)
		return
	}
	if summary == "" {
		fmt.Println("Nothing to compress")
		return
	}
	fmt.Printf("%sSummary:%s\n\n%s\n", st.cyan, st.reset, summary)
}

func printTask(t *task.Task, st styles) {
	marker := " "
	if t.Active {
		marker = "*"
	}
	compressed := ""
	if t.Summary != "" {
		compressed = " (compressed)"
	}
	fmt.Printf("%s [%s] %s  turns:%d%s\n", marker, t.ID, t.Name, t.TurnCount, compressed)
}
