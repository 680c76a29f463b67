package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"agenthub/internal/hub"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "run the startup reconcile sweep once and exit, without serving",
	RunE:  runReconcile,
}

func runReconcile(cmd *cobra.Command, args []string) error {
	ctrl, err := hub.New()
	if err != nil {
		return fmt.Errorf("composing hub: %w", err)
	}
	defer ctrl.Shutdown(context.Background())

	counts, err := ctrl.Reconciler.Reconcile(cmd.Context())
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	fmt.Printf("chats killed: %d, chats transitioned: %d, chat workspaces swept: %d, project workspaces swept: %d, artifact dirs swept: %d, orphan logs: %d, orphan containers: %d\n",
		counts.ChatsKilled, counts.ChatsTransitioned, counts.ChatWorkspaces, counts.ProjectWorkspaces, counts.ArtifactDirs, counts.OrphanLogs, counts.OrphanContainers)
	return nil
}
