package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/infrastructure/redpanda"
)

func (a *app) topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Create the broker topics and report archiver lag",
		RunE: func(cmd *cobra.Command, _ []string) error {
			admin, err := redpanda.NewAdmin(a.cfg.Brokers(), a.logger)
			if err != nil {
				return err
			}
			defer admin.Close()

			names := map[string]string{
				redpanda.TopicPrescriptionEvents:     a.cfg.TopicEvents,
				redpanda.TopicControlledSubstanceLog: a.cfg.TopicControlled,
				redpanda.TopicDeadLetter:             a.cfg.TopicDeadLetter,
			}
			configs := redpanda.DefaultTopicConfigs(a.cfg.KafkaReplication)
			for i := range configs {
				if name := names[configs[i].Name]; name != "" {
					configs[i].Name = name
				}
			}
			if err := admin.EnsureTopics(cmd.Context(), configs); err != nil {
				return err
			}

			lag, err := admin.GroupLag(cmd.Context(), a.cfg.ArchiverGroup)
			if err != nil {
				a.logger.Warn("archiver lag unavailable", zap.Error(err))
				return nil
			}
			for topic, n := range lag {
				a.logger.Info("archiver lag", zap.String("group", a.cfg.ArchiverGroup), zap.String("topic", topic), zap.Int64("lag", n))
			}
			return nil
		},
	}
	return cmd
}
