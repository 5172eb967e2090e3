// Copyright 2025 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package broker

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jonboulle/clockwork"

	"github.com/novatechflow/seglog/pkg/cache"
	"github.com/novatechflow/seglog/pkg/metadata"
	"github.com/novatechflow/seglog/pkg/storage"
)

// AnyPartition lets the broker pick a partition from the first record key.
const AnyPartition int32 = -1

var (
	// ErrUnknownPartition is returned for a partition outside the topic layout.
	ErrUnknownPartition = errors.New("unknown partition")
	// ErrBackpressure rejects produce requests while the object store is unavailable.
	ErrBackpressure = errors.New("object store unavailable")
	// ErrBrokerClosed is returned once Close has run.
	ErrBrokerClosed = errors.New("broker closed")
)

// Config controls how the broker runs partition logs.
type Config struct {
	// Namespace prefixes every object key; defaults to "default".
	Namespace string
	// MaintenanceInterval is the cadence of the flush and retention loop (default: 1s).
	MaintenanceInterval time.Duration
	// Buffer sets the automatic flush thresholds. A zero value gets
	// storage.DefaultWriteBufferConfig; unflushed segments never expire.
	Buffer                storage.WriteBufferConfig
	SegmentRollInterval   time.Duration
	IndexIntervalMessages int32
	MaxRecordBytes        int
	OffloadSealed         bool
	// CacheBytes sizes the sealed segment cache. Zero disables it.
	CacheBytes       int
	TailPollInterval time.Duration
	// RestoreOnOpen rebuilds partitions from the object store when topics are opened.
	RestoreOnOpen bool
	// Backpressure rejects produce while the object store health is unavailable.
	Backpressure bool
	Health       S3HealthConfig
	Clock        clockwork.Clock
	Logger       *slog.Logger
}

// ProduceResult reports where a batch landed.
type ProduceResult struct {
	Partition int32
	storage.AppendResult
}

// Broker is the in-process platform: it maps topics to partition logs and
// runs one maintenance loop over all of them.
type Broker struct {
	cfg     Config
	store   metadata.Store
	s3      storage.S3Client
	cache   *cache.SegmentCache
	health  *S3HealthMonitor
	metrics *Metrics
	cleaner *storage.Cleaner
	clock   clockwork.Clock
	logger  *slog.Logger

	mu     sync.RWMutex
	topics map[string]*topicLogs
	closed bool
}

type topicLogs struct {
	spec       metadata.TopicSpec
	partitions []*storage.PartitionLog
	next       atomic.Uint32
}

// New builds a broker on top of a metadata store and an object store client.
func New(store metadata.Store, s3Client storage.S3Client, cfg Config) (*Broker, error) {
	if store == nil {
		return nil, errors.New("broker requires a metadata store")
	}
	if s3Client == nil {
		return nil, errors.New("broker requires an object store client")
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Buffer == (storage.WriteBufferConfig{}) {
		cfg.Buffer = storage.DefaultWriteBufferConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	b := &Broker{
		cfg:    cfg,
		store:  store,
		s3:     s3Client,
		clock:  cfg.Clock,
		logger: logger.With("component", "broker"),
		topics: make(map[string]*topicLogs),
	}
	if cfg.CacheBytes > 0 {
		b.cache = cache.NewSegmentCache(cfg.CacheBytes)
	}
	b.metrics = newMetrics(b.partitionLogs)

	healthCfg := cfg.Health
	if healthCfg.Clock == nil {
		healthCfg.Clock = cfg.Clock
	}
	if healthCfg.Logger == nil {
		healthCfg.Logger = logger
	}
	onChange := healthCfg.OnStateChange
	healthCfg.OnStateChange = func(from, to S3HealthState) {
		b.metrics.setS3State(to)
		if onChange != nil {
			onChange(from, to)
		}
	}
	b.health = NewS3HealthMonitor(healthCfg)

	b.cleaner = storage.NewCleaner(storage.CleanerConfig{
		Interval: cfg.MaintenanceInterval,
		Clock:    cfg.Clock,
		Logger:   logger,
		OnPass: func(deleted int, took time.Duration) {
			b.metrics.observeCleanup(took)
			if deleted > 0 {
				b.logger.Debug("maintenance pass", "deleted_segments", deleted, "took", took.String())
			}
		},
	})
	return b, nil
}

// Open loads every topic known to the metadata store.
func (b *Broker) Open(ctx context.Context) error {
	specs, err := b.store.Topics(ctx)
	if err != nil {
		return fmt.Errorf("load topics: %w", err)
	}
	for _, spec := range specs {
		if _, err := b.openTopic(ctx, spec); err != nil {
			return err
		}
	}
	b.logger.Info("broker opened", "topics", len(specs))
	return nil
}

// Start runs the maintenance loop until ctx is done or Close is called.
func (b *Broker) Start(ctx context.Context) {
	b.cleaner.Start(ctx)
}

// Close stops maintenance and flushes and closes every partition.
func (b *Broker) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cleaner.Stop()
	var errs []error
	for _, log := range b.partitionLogs() {
		if err := log.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", log.ID(), err))
			continue
		}
		if next := log.LatestOffset(); next > 0 {
			id := log.ID()
			if err := b.store.UpdateOffsets(ctx, id.Topic, id.Partition, next-1); err != nil {
				errs = append(errs, fmt.Errorf("update offsets %s: %w", id, err))
			}
		}
	}
	return errors.Join(errs...)
}

// CreateTopic registers the topic and opens its partitions.
func (b *Broker) CreateTopic(ctx context.Context, spec metadata.TopicSpec) (metadata.TopicSpec, error) {
	if b.isClosed() {
		return metadata.TopicSpec{}, ErrBrokerClosed
	}
	created, err := b.store.CreateTopic(ctx, spec)
	if err != nil {
		return metadata.TopicSpec{}, err
	}
	if _, err := b.openTopic(ctx, created); err != nil {
		return metadata.TopicSpec{}, err
	}
	b.logger.Info("topic created", "topic", created.Name, "partitions", created.Partitions,
		"retention", created.Retention.String(), "segment_bytes", created.SegmentBytes)
	return created, nil
}

// Topics lists registered topics.
func (b *Broker) Topics(ctx context.Context) ([]metadata.TopicSpec, error) {
	return b.store.Topics(ctx)
}

// Partition returns the log for a topic partition, opening topics created by
// other processes sharing the metadata store on first use.
func (b *Broker) Partition(ctx context.Context, topic string, partition int32) (*storage.PartitionLog, error) {
	t, err := b.topic(ctx, topic)
	if err != nil {
		return nil, err
	}
	if partition < 0 || int(partition) >= len(t.partitions) {
		return nil, fmt.Errorf("%w: %s[%d]", ErrUnknownPartition, topic, partition)
	}
	return t.partitions[partition], nil
}

// Produce appends records to one partition. With AnyPartition the first
// record key chooses the partition, and nil keys rotate round-robin. The whole
// batch lands on one partition.
func (b *Broker) Produce(ctx context.Context, topic string, partition int32, records []storage.Record) (ProduceResult, error) {
	t, err := b.topic(ctx, topic)
	if err != nil {
		return ProduceResult{Partition: partition}, err
	}
	if partition == AnyPartition {
		var key []byte
		if len(records) > 0 {
			key = records[0].Key
		}
		partition = t.route(key)
	}
	if partition < 0 || int(partition) >= len(t.partitions) {
		return ProduceResult{Partition: partition}, fmt.Errorf("%w: %s[%d]", ErrUnknownPartition, topic, partition)
	}
	log := t.partitions[partition]
	if b.cfg.Backpressure && b.health.State() == S3StateUnavailable {
		b.metrics.rejectedProduces.WithLabelValues(topic, "backpressure").Inc()
		return ProduceResult{Partition: partition, AppendResult: storage.AppendResult{BaseOffset: log.NextOffset()}},
			&storage.AppendError{BaseOffset: log.NextOffset(), Err: ErrBackpressure}
	}
	res, err := log.Append(ctx, records)
	return ProduceResult{Partition: partition, AppendResult: res}, err
}

// Flush persists every accepted record of the topic. An empty topic name flushes all topics.
func (b *Broker) Flush(ctx context.Context, topic string) error {
	var logs []*storage.PartitionLog
	if topic == "" {
		logs = b.partitionLogs()
	} else {
		t, err := b.topic(ctx, topic)
		if err != nil {
			return err
		}
		logs = t.partitions
	}
	var errs []error
	for _, log := range logs {
		if _, err := log.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", log.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// Read returns up to maxRecords committed records of a partition starting at offset.
func (b *Broker) Read(ctx context.Context, topic string, partition int32, offset int64, maxRecords int, maxWait time.Duration) ([]storage.Record, error) {
	log, err := b.Partition(ctx, topic, partition)
	if err != nil {
		return nil, err
	}
	return log.Read(ctx, offset, maxRecords, maxWait)
}

// Stream tails a partition from start.
func (b *Broker) Stream(ctx context.Context, topic string, partition int32, start storage.Offset) iter.Seq2[storage.Record, error] {
	log, err := b.Partition(ctx, topic, partition)
	if err != nil {
		return func(yield func(storage.Record, error) bool) {
			yield(storage.Record{}, err)
		}
	}
	return log.Stream(ctx, start)
}

// Status returns partition stats of a topic, or of every topic when topic is empty.
func (b *Broker) Status(ctx context.Context, topic string) ([]storage.PartitionStats, error) {
	var logs []*storage.PartitionLog
	if topic == "" {
		logs = b.partitionLogs()
	} else {
		t, err := b.topic(ctx, topic)
		if err != nil {
			return nil, err
		}
		logs = t.partitions
	}
	out := make([]storage.PartitionStats, 0, len(logs))
	for _, log := range logs {
		out = append(out, log.Stats())
	}
	return out, nil
}

// RunCleanup runs one maintenance pass now and returns the deleted segment count.
func (b *Broker) RunCleanup(ctx context.Context) int {
	return b.cleaner.RunOnce(ctx)
}

// Health returns the object store health snapshot.
func (b *Broker) Health() S3HealthSnapshot {
	return b.health.Snapshot()
}

// Metrics returns the broker collectors.
func (b *Broker) Metrics() *Metrics {
	return b.metrics
}

func (b *Broker) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

func (b *Broker) topic(ctx context.Context, name string) (*topicLogs, error) {
	b.mu.RLock()
	t, ok := b.topics[name]
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, ErrBrokerClosed
	}
	if ok {
		return t, nil
	}
	spec, err := b.store.Topic(ctx, name)
	if err != nil {
		return nil, err
	}
	return b.openTopic(ctx, spec)
}

func (b *Broker) openTopic(ctx context.Context, spec metadata.TopicSpec) (*topicLogs, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	if t, ok := b.topics[spec.Name]; ok {
		return t, nil
	}
	t := &topicLogs{spec: spec, partitions: make([]*storage.PartitionLog, 0, spec.Partitions)}
	for p := int32(0); p < spec.Partitions; p++ {
		log, err := b.openPartition(ctx, spec, p)
		if err != nil {
			for _, opened := range t.partitions {
				b.cleaner.Unregister(opened.ID())
			}
			return nil, err
		}
		t.partitions = append(t.partitions, log)
		b.cleaner.Register(log)
	}
	b.topics[spec.Name] = t
	return t, nil
}

func (b *Broker) openPartition(ctx context.Context, spec metadata.TopicSpec, partition int32) (*storage.PartitionLog, error) {
	id := storage.PartitionID{Namespace: b.cfg.Namespace, Topic: spec.Name, Partition: partition}
	start, err := b.store.NextOffset(ctx, spec.Name, partition)
	if err != nil {
		return nil, fmt.Errorf("next offset %s: %w", id, err)
	}
	hooks := b.metrics.hooks(id)
	hooks.OnS3Op = func(op string, latency time.Duration, err error) {
		b.health.RecordOperation(op, latency, err)
		b.metrics.observeS3(op, err)
	}
	hooks.OnFlush = func(ctx context.Context, res storage.FlushResult) {
		b.metrics.observeFlush(id, res)
		if res.Committed == 0 {
			return
		}
		if err := b.store.UpdateOffsets(context.WithoutCancel(ctx), spec.Name, partition, res.Committed-1); err != nil {
			b.logger.Warn("update offsets failed", "partition", id.String(), "error", err)
		}
	}
	log, err := storage.NewPartitionLog(id, start, b.s3, b.cache, storage.PartitionLogConfig{
		Retention:           spec.Policy(),
		SegmentRollInterval: b.cfg.SegmentRollInterval,
		Buffer:              b.cfg.Buffer,
		Segment:             storage.SegmentWriterConfig{IndexIntervalMessages: b.cfg.IndexIntervalMessages},
		MaxLogBytes:         spec.MaxPartitionBytes,
		MaxRecordBytes:      b.cfg.MaxRecordBytes,
		OffloadSealed:       b.cfg.OffloadSealed,
		CacheEnabled:        b.cache != nil,
		TailPollInterval:    b.cfg.TailPollInterval,
		Clock:               b.clock,
		Logger:              b.logger,
	}, hooks)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", id, err)
	}
	if b.cfg.RestoreOnOpen {
		last, err := log.RestoreFromS3(ctx)
		if err != nil {
			return nil, fmt.Errorf("restore %s: %w", id, err)
		}
		if last >= 0 && last+1 < start {
			b.logger.Warn("restored end is behind stored next offset", "partition", id.String(), "restored_next", last+1, "stored_next", start)
		}
	}
	return log, nil
}

// partitionLogs returns every open partition ordered by topic then partition.
func (b *Broker) partitionLogs() []*storage.PartitionLog {
	b.mu.RLock()
	names := make([]string, 0, len(b.topics))
	for name := range b.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	var out []*storage.PartitionLog
	for _, name := range names {
		out = append(out, b.topics[name].partitions...)
	}
	b.mu.RUnlock()
	return out
}

func (t *topicLogs) route(key []byte) int32 {
	n := uint64(len(t.partitions))
	if key != nil {
		return int32(xxhash.Sum64(key) % n)
	}
	return int32(uint64(t.next.Add(1)-1) % n)
}
