package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"geofuse/internal/fusion"
	"geofuse/internal/platform/metrics"
)

const (
	DefaultClustersTopic = "geofuse.clusters"
	DefaultRecordsTopic  = "geofuse.cii"

	headerCycleID = "cycle_id"
)

// Producer is the subset of *kgo.Client used for publishing.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Kafka writes one record per cluster, keyed by cluster id, and one record per
// country instability record, keyed by ISO2 code, so each country's history
// stays ordered within its partition.
type Kafka struct {
	producer      Producer
	clustersTopic string
	recordsTopic  string
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

type KafkaOption func(*Kafka)

func WithTopics(clusters, records string) KafkaOption {
	return func(k *Kafka) {
		if clusters != "" {
			k.clustersTopic = clusters
		}
		if records != "" {
			k.recordsTopic = records
		}
	}
}

func WithLogger(logger *slog.Logger) KafkaOption {
	return func(k *Kafka) {
		k.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) KafkaOption {
	return func(k *Kafka) {
		k.metrics = m
	}
}

func NewKafka(producer Producer, opts ...KafkaOption) *Kafka {
	k := &Kafka{
		producer:      producer,
		clustersTopic: DefaultClustersTopic,
		recordsTopic:  DefaultRecordsTopic,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// NewKafkaClient connects a franz-go client to the given seed brokers.
func NewKafkaClient(brokers []string, clientID string) (*kgo.Client, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka: no seed brokers configured")
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	}
	if clientID != "" {
		opts = append(opts, kgo.ClientID(clientID))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return client, nil
}

func (k *Kafka) Publish(ctx context.Context, result *fusion.CycleResult) error {
	cycleID := []byte(result.ID.String())
	records := make([]*kgo.Record, 0, len(result.Clusters)+len(result.Records))

	for _, c := range result.Clusters {
		value, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("encode cluster %s: %w", c.ID, err)
		}
		records = append(records, &kgo.Record{
			Topic:   k.clustersTopic,
			Key:     []byte(c.ID),
			Value:   value,
			Headers: []kgo.RecordHeader{{Key: headerCycleID, Value: cycleID}},
		})
	}
	for _, r := range result.Records {
		value, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", r.ISO2, err)
		}
		records = append(records, &kgo.Record{
			Topic:   k.recordsTopic,
			Key:     []byte(r.ISO2),
			Value:   value,
			Headers: []kgo.RecordHeader{{Key: headerCycleID, Value: cycleID}},
		})
	}
	if len(records) == 0 {
		return nil
	}

	var failed int
	var firstErr error
	for _, res := range k.producer.ProduceSync(ctx, records...) {
		if res.Err == nil {
			continue
		}
		failed++
		if firstErr == nil {
			firstErr = res.Err
		}
	}
	if failed > 0 {
		k.metrics.IncrementPublishFailure("kafka")
		k.logger.Warn("kafka publish incomplete",
			"cycle_id", result.ID,
			"failed", failed,
			"total", len(records),
			"error", firstErr,
		)
		return fmt.Errorf("kafka: %d of %d records failed: %w", failed, len(records), firstErr)
	}
	return nil
}

// EnsureTopics creates the publisher's topics if they are missing.
func (k *Kafka) EnsureTopics(ctx context.Context, client *kgo.Client, partitions int32, replication int16) error {
	adm := kadm.NewClient(client)
	resps, err := adm.CreateTopics(ctx, partitions, replication, nil, k.clustersTopic, k.recordsTopic)
	if err != nil {
		return fmt.Errorf("create topics: %w", err)
	}
	for _, resp := range resps.Sorted() {
		if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", resp.Topic, resp.Err)
		}
	}
	return nil
}
