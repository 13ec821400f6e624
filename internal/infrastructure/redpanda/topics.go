// Package redpanda provides Kafka-compatible messaging with franz-go.
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

// Topic names
const (
	TopicRecipeEvents    = "recipe.events"
	TopicProactiveAlerts = "proactive.alerts"
	TopicSweepRequests   = "sweep.requests"
	TopicDeadLetter      = "dead.letter"
)

// TopicConfig holds configuration for a topic
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Configs           map[string]*string
}

// DefaultTopicConfigs returns the topics the services depend on
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
		// keyed by patient ID so a patient's events stay ordered
		{Name: TopicRecipeEvents, Partitions: 12, ReplicationFactor: 1, Configs: retention("604800000")},
		{Name: TopicProactiveAlerts, Partitions: 6, ReplicationFactor: 1, Configs: retention("2592000000")},
		{Name: TopicSweepRequests, Partitions: 1, ReplicationFactor: 1, Configs: retention("86400000")},
		{Name: TopicDeadLetter, Partitions: 3, ReplicationFactor: 1, Configs: retention("604800000")},
	}
}

// Admin provides topic administration
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin creates a new admin client
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	kgoClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return &Admin{client: kadm.NewClient(kgoClient), logger: logger}, nil
}

// EnsureTopics creates missing topics and leaves existing ones untouched
func (a *Admin) EnsureTopics(ctx context.Context, configs []TopicConfig) error {
	for _, cfg := range configs {
		resp, err := a.client.CreateTopics(ctx, cfg.Partitions, cfg.ReplicationFactor, cfg.Configs, cfg.Name)
		if err != nil {
			return fmt.Errorf("create topic %s: %w", cfg.Name, err)
		}
		for _, r := range resp {
			if errors.Is(r.Err, kerr.TopicAlreadyExists) {
				a.logger.Debug("topic exists", zap.String("topic", r.Topic))
				continue
			}
			if r.Err != nil {
				return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
			}
			a.logger.Info("topic created",
				zap.String("topic", r.Topic),
				zap.Int32("partitions", cfg.Partitions))
		}
	}
	return nil
}

// ConsumerLag returns the total lag per topic for a consumer group
func (a *Admin) ConsumerLag(ctx context.Context, groupID string) (map[string]int64, error) {
	described, err := a.client.Lag(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("consumer group lag: %w", err)
	}

	lag := make(map[string]int64)
	described.Each(func(l kadm.DescribedGroupLag) {
		for topic, partitions := range l.Lag {
			for _, p := range partitions {
				lag[topic] += p.Lag
			}
		}
	})
	return lag, nil
}

// Close closes the admin client
func (a *Admin) Close() {
	a.client.Close()
}

// HealthCheck verifies broker connectivity
func HealthCheck(ctx context.Context, brokers []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}
