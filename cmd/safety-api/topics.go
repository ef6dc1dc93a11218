package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/infrastructure/redpanda"
)

func topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage the event topics",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "ensure",
		Short: "Create any missing medsafe topics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd.Context(), func(ctx context.Context, a *redpanda.Admin) error {
				return a.EnsureTopics(ctx)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List broker topics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd.Context(), func(ctx context.Context, a *redpanda.Admin) error {
				names, err := a.ListTopics(ctx)
				if err != nil {
					return err
				}
				for _, n := range names {
					fmt.Fprintln(cmd.OutOrStdout(), n)
				}
				return nil
			})
		},
	})

	lagCmd := &cobra.Command{
		Use:   "lag",
		Short: "Show consumer group lag per partition",
		RunE: func(cmd *cobra.Command, args []string) error {
			group, _ := cmd.Flags().GetString("group")
			return withAdmin(cmd.Context(), func(ctx context.Context, a *redpanda.Admin) error {
				lag, err := a.GetConsumerGroupLag(ctx, group)
				if err != nil {
					return err
				}
				printLag(cmd, lag)
				return nil
			})
		},
	}
	lagCmd.Flags().String("group", redpanda.DefaultConsumerConfig().GroupID, "Consumer group")
	cmd.AddCommand(lagCmd)

	return cmd
}

func withAdmin(ctx context.Context, fn func(ctx context.Context, a *redpanda.Admin) error) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		return err
	}
	defer admin.Close()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := fn(ctx, admin); err != nil {
		logger.Error("topic command failed", zap.Strings("brokers", cfg.KafkaBrokers), zap.Error(err))
		return err
	}
	return nil
}

func printLag(cmd *cobra.Command, lag map[string]map[int32]int64) {
	topics := make([]string, 0, len(lag))
	for t := range lag {
		topics = append(topics, t)
	}
	sort.Strings(topics)

	for _, t := range topics {
		partitions := make([]int32, 0, len(lag[t]))
		for p := range lag[t] {
			partitions = append(partitions, p)
		}
		sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })
		for _, p := range partitions {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\t%d\n", t, p, lag[t][p])
		}
	}
}
