package main

import (
	"fmt"

	"dsmessenger/internal/notebook"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// contactsCmd groups contact management
var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "List or add contacts in the local notebook",
}

var contactsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List contacts and how many messages each conversation holds",
	Args:  cobra.NoArgs,
	RunE:  runContactsList,
}

var contactsAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a contact",
	Args:  cobra.ExactArgs(1),
	RunE:  runContactsAdd,
}

func runContactsList(cmd *cobra.Command, args []string) error {
	nb, err := openNotebook(cfg)
	if err != nil {
		return err
	}
	chats, err := nb.ChatsFor(cfg.Account.Username, cfg.Account.Password)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	contacts := nb.ContactsList()
	if len(contacts) == 0 {
		fmt.Fprintln(out, "no contacts")
		return nil
	}
	for _, c := range contacts {
		fmt.Fprintf(out, "%-24s %d messages\n", c, len(chats[c]))
	}
	return nil
}

func runContactsAdd(cmd *cobra.Command, args []string) error {
	name := args[0]
	if name == cfg.Account.Username {
		return fmt.Errorf("cannot add yourself as a contact")
	}

	nb, err := openNotebook(cfg)
	if err != nil {
		return err
	}
	isNew := true
	for _, c := range nb.ContactsList() {
		if c == name {
			isNew = false
			break
		}
	}
	if err := nb.AddContactAndMessage(cfg.NotebookPath(), name, notebook.ChatEntry{}); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !isNew {
		fmt.Fprintf(out, "%s is already a contact\n", name)
		return nil
	}
	logger.Debug("contact added", zap.String("contact", name))
	fmt.Fprintf(out, "added %s\n", name)
	return nil
}
