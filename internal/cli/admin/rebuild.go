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

// RebuildIndexCmd returns the rebuild-index command
func RebuildIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-index",
		Short: "Trigger a full index rebuild",
		Long:  "Enqueue a rebuild work item; a running worker resets every document and reprocesses it",
		RunE:  runRebuildIndex,
	}
}

func runRebuildIndex(cmd *cobra.Command, args []string) error {
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

	publisher := queue.NewPublisher(rdb)
	id, err := publisher.PublishWorkItem(ctx, cfg.DefaultStream, &domain.WorkItem{
		Kind: domain.WorkItemRebuild,
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue rebuild: %w", err)
	}

	log.Printf("rebuild enqueued on %s (message %s)", cfg.DefaultStream, id)
	return nil
}
