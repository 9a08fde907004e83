package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tinabots/tina/internal/config"
	"github.com/tinabots/tina/internal/setup"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive first-time setup",
		RunE: func(cmd *cobra.Command, args []string) error {
			wiz := setup.NewWizard(config.Path(), &terminalPrompter{
				in: bufio.NewReader(os.Stdin),
			})
			res, err := wiz.Run()
			if err != nil {
				return err
			}
			for _, step := range res.Steps {
				marker := "✓"
				if step.Skipped {
					marker = "-"
				}
				fmt.Printf("%s %s\n", marker, step.Message)
			}
			return nil
		},
	}
}

// terminalPrompter reads answers from stdin, hiding secrets when stdin
// is a terminal.
type terminalPrompter struct {
	in *bufio.Reader
}

func (p *terminalPrompter) Prompt(question string) (string, error) {
	fmt.Printf("%s: ", question)
	line, err := p.in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (p *terminalPrompter) Secret(question string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return p.Prompt(question)
	}
	fmt.Printf("%s: ", question)
	raw, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

func (p *terminalPrompter) Confirm(question string) (bool, error) {
	answer, err := p.Prompt(question + " [y/N]")
	if err != nil {
		return false, err
	}
	answer = strings.ToLower(answer)
	return answer == "y" || answer == "yes", nil
}
