package admin

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/pagedex-io/pagedex/internal/config"
	"github.com/pagedex-io/pagedex/internal/domain"
	"github.com/pagedex-io/pagedex/internal/queue"
)

// DeleteIndexCmd returns the delete-index command
func DeleteIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete-index",
		Short: "Remove indexed state",
		Long:  "Enqueue a delete work item; without --document the whole index is torn down",
		RunE:  runDeleteIndex,
	}

	cmd.Flags().String("document", "", "Delete a single document's indexed state instead of the whole index")

	return cmd
}

func runDeleteIndex(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	rdb, err := connectRedis(ctx, cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	if err := queue.EnsureGroup(ctx, rdb, cfg.DefaultStream, cfg.ConsumerGroup); err != nil {
		return fmt.Errorf("failed to ensure consumer group: %w", err)
	}

	documentID, _ := cmd.Flags().GetString("document")

	publisher := queue.NewPublisher(rdb)
	id, err := publisher.PublishWorkItem(ctx, cfg.DefaultStream, &domain.WorkItem{
		Kind:       domain.WorkItemDelete,
		DocumentID: documentID,
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue delete: %w", err)
	}

	if documentID == "" {
		log.Printf("index teardown enqueued on %s (message %s)", cfg.DefaultStream, id)
	} else {
		log.Printf("delete of document %s enqueued on %s (message %s)", documentID, cfg.DefaultStream, id)
	}
	return nil
}
