package redpanda

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

const (
	TopicPrescriptionEvents     = "prescription.events"
	TopicControlledSubstanceLog = "controlled.substance.log"
	TopicDeadLetter             = "dead.letter"
)

// TopicConfig describes a topic to create.
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Configs           map[string]*string
}

// DefaultTopicConfigs returns the workflow topics.
func DefaultTopicConfigs(replication int16) []TopicConfig {
	ptr := func(s string) *string { return &s }
	if replication <= 0 {
		replication = 1
	}
	return []TopicConfig{
		{
			Name:              TopicPrescriptionEvents,
			Partitions:        12,
			ReplicationFactor: replication,
			Configs: map[string]*string{
				"retention.ms":     ptr("604800000"), // 7 days
				"cleanup.policy":   ptr("delete"),
				"compression.type": ptr("lz4"),
			},
		},
		{
			// Keyed by drug so each drug's entries stay ordered.
			Name:              TopicControlledSubstanceLog,
			Partitions:        6,
			ReplicationFactor: replication,
			Configs: map[string]*string{
				"retention.ms":     ptr("2592000000"), // 30 days, archived to mongo
				"cleanup.policy":   ptr("delete"),
				"compression.type": ptr("lz4"),
			},
		},
		{
			Name:              TopicDeadLetter,
			Partitions:        3,
			ReplicationFactor: replication,
			Configs: map[string]*string{
				"retention.ms": ptr("1209600000"), // 14 days
			},
		},
	}
}

// Admin manages topics and reports consumer lag.
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin creates an admin client.
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Admin{client: kadm.NewClient(cl), logger: logger}, nil
}

// EnsureTopics creates missing topics. Existing topics are left unchanged.
func (a *Admin) EnsureTopics(ctx context.Context, configs []TopicConfig) error {
	for _, cfg := range configs {
		resp, err := a.client.CreateTopics(ctx, cfg.Partitions, cfg.ReplicationFactor, cfg.Configs, cfg.Name)
		if err != nil {
			return fmt.Errorf("create topic %s: %w", cfg.Name, err)
		}
		for _, r := range resp {
			switch {
			case errors.Is(r.Err, kerr.TopicAlreadyExists):
				a.logger.Debug("topic exists", zap.String("topic", r.Topic))
			case r.Err != nil:
				return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
			default:
				a.logger.Info("topic created",
					zap.String("topic", r.Topic),
					zap.Int32("partitions", cfg.Partitions))
			}
		}
	}
	return nil
}

// GroupLag returns the total lag per topic for a consumer group.
func (a *Admin) GroupLag(ctx context.Context, group string) (map[string]int64, error) {
	lags, err := a.client.Lag(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("describe lag for %s: %w", group, err)
	}
	out := make(map[string]int64)
	lags.Each(func(l kadm.DescribedGroupLag) {
		for topic, partitions := range l.Lag {
			for _, m := range partitions {
				out[topic] += m.Lag
			}
		}
	})
	return out, nil
}

// Close closes the admin client.
func (a *Admin) Close() {
	a.client.Close()
}

// HealthCheck pings the brokers.
func HealthCheck(ctx context.Context, brokers []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("create kafka client: %w", err)
	}
	defer cl.Close()
	if err := cl.Ping(ctx); err != nil {
		return fmt.Errorf("ping brokers: %w", err)
	}
	return nil
}
