package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List all tasks",
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := newApp(slog.LevelWarn)
				if err != nil {
					return err
				}
				defer a.Close()
				list, err := a.tasks.List()
				if err != nil {
					return err
				}
				if len(list) == 0 {
					fmt.Println("No tasks.")
					return nil
				}
				st := newStyles()
				for _, t := range list {
					printTask(t, st)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "switch <id>",
			Short: "Make a task active",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := newApp(slog.LevelWarn)
				if err != nil {
					return err
				}
				defer a.Close()
				t, err := a.tasks.SetActive(args[0])
				if err != nil {
					return err
				}
				if t == nil {
					return fmt.Errorf("task %q not found", args[0])
				}
				fmt.Printf("Resumed [%s] %s\n", t.ID, t.Name)
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <id>",
			Short: "Delete a task and its history",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := newApp(slog.LevelWarn)
				if err != nil {
					return err
				}
				defer a.Close()
				ok, err := a.tasks.Delete(args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("task %q not found", args[0])
				}
				if err := a.hist.Clear(args[0]); err != nil {
					a.logger.Warn("history cleanup failed", "task", args[0], "error", err)
				}
				fmt.Printf("Deleted task %s\n", args[0])
				return nil
			},
		},
	)
	return cmd
}

func newCompressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compress",
		Short: "Compress the active task into a summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(slog.LevelWarn)
			if err != nil {
				return err
			}
			defer a.Close()
			compressActive(a, newStyles())
			return nil
		},
	}
}

func newCostCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cost",
		Short: "Show estimated spend for the active task and today",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(slog.LevelWarn)
			if err != nil {
				return err
			}
			defer a.Close()
			t, err := a.tasks.Active()
			if err != nil {
				return err
			}
			if t == nil {
				fmt.Println("No active task.")
				return nil
			}
			fmt.Println(a.spend.Summary(t.ID))
			return nil
		},
	}
}

func newSkillsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "skills",
		Short: "List loaded skills",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(slog.LevelWarn)
			if err != nil {
				return err
			}
			defer a.Close()
			list := a.skills.List()
			if len(list) == 0 {
				fmt.Println("No skills found.")
				return nil
			}
			for _, s := range list {
				fmt.Printf("  %s: %s\n", s.Name, s.Description)
			}
			return nil
		},
	}
}
