// Package events connects the redeem engine to the Kafka-compatible event
// stream: order outcomes go out, pharmacy directory updates come in.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Topic names used by the redeem services.
const (
	// TopicOrderOutcomes carries terminal order submission results.
	TopicOrderOutcomes = "erx.order.outcomes"
	// TopicPharmacyDirectory carries pharmacy directory update messages,
	// keyed by telematik id.
	TopicPharmacyDirectory = "erx.pharmacy.directory"
	// TopicCommunications carries pharmacy replies and shipment notices.
	TopicCommunications = "erx.communications"
	// TopicDeadLetter receives messages that could not be processed.
	TopicDeadLetter = "erx.dead.letter"
)

// TopicConfig describes one topic to ensure at startup.
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Configs           map[string]*string
}

// DefaultTopicConfigs returns the topics the redeem services rely on.
func DefaultTopicConfigs() []TopicConfig {
	ptr := func(s string) *string { return &s }

	retention := func(ms string) map[string]*string {
		return map[string]*string{
			"retention.ms":     ptr(ms),
			"cleanup.policy":   ptr("delete"),
			"compression.type": ptr("lz4"),
		}
	}

	return []TopicConfig{
		{
			Name:              TopicOrderOutcomes,
			Partitions:        6,
			ReplicationFactor: 1,
			Configs:           retention("2592000000"), // 30 days
		},
		{
			Name:              TopicPharmacyDirectory,
			Partitions:        6,
			ReplicationFactor: 1,
			Configs:           retention("604800000"), // 7 days
		},
		{
			Name:              TopicCommunications,
			Partitions:        6,
			ReplicationFactor: 1,
			Configs:           retention("2592000000"),
		},
		{
			Name:              TopicDeadLetter,
			Partitions:        3,
			ReplicationFactor: 1,
			Configs:           retention("604800000"),
		},
	}
}

// Admin creates and inspects topics on the broker.
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin creates an admin client.
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	kgoClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("creating kafka client: %w", err)
	}
	return &Admin{client: kadm.NewClient(kgoClient), logger: logger}, nil
}

// EnsureTopics creates all required topics, tolerating ones that exist.
func (a *Admin) EnsureTopics(ctx context.Context) error {
	for _, cfg := range DefaultTopicConfigs() {
		resp, err := a.client.CreateTopics(ctx, cfg.Partitions, cfg.ReplicationFactor, cfg.Configs, cfg.Name)
		if err != nil {
			return fmt.Errorf("creating topic %s: %w", cfg.Name, err)
		}
		for _, r := range resp {
			if r.Err != nil {
				if r.Err.Error() == "TOPIC_ALREADY_EXISTS" {
					a.logger.Debug("topic already exists", zap.String("topic", r.Topic))
					continue
				}
				return fmt.Errorf("creating topic %s: %w", r.Topic, r.Err)
			}
			a.logger.Info("topic created",
				zap.String("topic", r.Topic),
				zap.Int32("partitions", cfg.Partitions))
		}
	}
	return nil
}

// ConsumerGroupLag returns per-partition lag for a consumer group.
func (a *Admin) ConsumerGroupLag(ctx context.Context, groupID string) (map[string]map[int32]int64, error) {
	described, err := a.client.Lag(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("reading consumer group lag: %w", err)
	}

	result := make(map[string]map[int32]int64)
	described.Each(func(l kadm.DescribedGroupLag) {
		for topic, partitions := range l.Lag {
			if result[topic] == nil {
				result[topic] = make(map[int32]int64)
			}
			for partition, lag := range partitions {
				result[topic][partition] = lag.Lag
			}
		}
	})
	return result, nil
}

// Close closes the admin client.
func (a *Admin) Close() {
	a.client.Close()
}

// HealthCheck verifies broker connectivity.
func HealthCheck(ctx context.Context, brokers []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("broker ping failed: %w", err)
	}
	return nil
}
