package main

import (
	"fmt"
	"strconv"
	"strings"

	"dsmessenger/internal/notebook"

	"github.com/spf13/cobra"
)

// diaryCmd groups diary management
var diaryCmd = &cobra.Command{
	Use:   "diary",
	Short: "Keep private diary entries in the notebook",
}

var diaryAddCmd = &cobra.Command{
	Use:   "add <text...>",
	Short: "Add a diary entry stamped with the current time",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDiaryAdd,
}

var diaryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List diary entries with their index",
	Args:  cobra.NoArgs,
	RunE:  runDiaryList,
}

var diaryDeleteCmd = &cobra.Command{
	Use:   "delete <index>",
	Short: "Delete the diary entry at index",
	Args:  cobra.ExactArgs(1),
	RunE:  runDiaryDelete,
}

func runDiaryAdd(cmd *cobra.Command, args []string) error {
	text := strings.TrimSpace(strings.Join(args, " "))
	if text == "" {
		return fmt.Errorf("diary entry is empty")
	}
	nb, err := openNotebook(cfg)
	if err != nil {
		return err
	}
	nb.AddDiary(notebook.NewDiary(text, 0))
	if err := nb.Save(cfg.NotebookPath()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "diary entry %d added\n", len(nb.Diaries())-1)
	return nil
}

func runDiaryList(cmd *cobra.Command, args []string) error {
	nb, err := openNotebook(cfg)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	diaries := nb.Diaries()
	if len(diaries) == 0 {
		fmt.Fprintln(out, "no diary entries")
		return nil
	}
	for i, d := range diaries {
		fmt.Fprintf(out, "%3d  %s  %s\n", i, d.Time().Local().Format("2006-01-02 15:04"), d.Entry)
	}
	return nil
}

func runDiaryDelete(cmd *cobra.Command, args []string) error {
	index, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid index %q", args[0])
	}
	nb, err := openNotebook(cfg)
	if err != nil {
		return err
	}
	if !nb.DeleteDiary(index) {
		return fmt.Errorf("no diary entry at index %d", index)
	}
	if err := nb.Save(cfg.NotebookPath()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "diary entry %d deleted\n", index)
	return nil
}
