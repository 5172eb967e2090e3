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

package metadata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const etcdOpTimeout = 3 * time.Second

// EtcdStoreConfig defines how we connect to etcd for topic metadata and offsets.
type EtcdStoreConfig struct {
	Endpoints   []string
	Username    string
	Password    string
	DialTimeout time.Duration
	// KeyPrefix roots every key; defaults to /seglog.
	KeyPrefix string
}

// EtcdStore persists topic specs and next offsets in etcd.
type EtcdStore struct {
	client *clientv3.Client
	keys   keyspace
	now    func() time.Time
}

// NewEtcdStore initializes a store backed by etcd.
func NewEtcdStore(ctx context.Context, cfg EtcdStoreConfig) (*EtcdStore, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("etcd endpoints required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DialTimeout: cfg.DialTimeout,
		Context:     ctx,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}
	return &EtcdStore{client: cli, keys: keyspace(cfg.KeyPrefix), now: time.Now}, nil
}

// Close releases the etcd client.
func (s *EtcdStore) Close() error {
	return s.client.Close()
}

// CreateTopic implements Store. The spec is written only if the key does not exist yet.
func (s *EtcdStore) CreateTopic(ctx context.Context, spec TopicSpec) (TopicSpec, error) {
	if err := spec.Validate(); err != nil {
		return TopicSpec{}, err
	}
	if spec.CreatedAt.IsZero() {
		spec.CreatedAt = s.now().UTC()
	}
	payload, err := EncodeTopicSpec(spec)
	if err != nil {
		return TopicSpec{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, etcdOpTimeout)
	defer cancel()
	key := s.keys.topicConfigKey(spec.Name)
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(payload))).
		Commit()
	if err != nil {
		return TopicSpec{}, fmt.Errorf("create topic %s: %w", spec.Name, err)
	}
	if !resp.Succeeded {
		return TopicSpec{}, fmt.Errorf("%w: %s", ErrTopicExists, spec.Name)
	}
	return spec, nil
}

// Topic implements Store.
func (s *EtcdStore) Topic(ctx context.Context, name string) (TopicSpec, error) {
	ctx, cancel := context.WithTimeout(ctx, etcdOpTimeout)
	defer cancel()
	resp, err := s.client.Get(ctx, s.keys.topicConfigKey(name))
	if err != nil {
		return TopicSpec{}, fmt.Errorf("get topic %s: %w", name, err)
	}
	if len(resp.Kvs) == 0 {
		return TopicSpec{}, fmt.Errorf("%w: %s", ErrUnknownTopic, name)
	}
	return DecodeTopicSpec(resp.Kvs[0].Value)
}

// Topics implements Store.
func (s *EtcdStore) Topics(ctx context.Context) ([]TopicSpec, error) {
	ctx, cancel := context.WithTimeout(ctx, etcdOpTimeout)
	defer cancel()
	resp, err := s.client.Get(ctx, s.keys.topicsRoot(), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	out := make([]TopicSpec, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if _, ok := s.keys.topicFromConfigKey(string(kv.Key)); !ok {
			continue
		}
		spec, err := DecodeTopicSpec(kv.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DeleteTopic implements Store.
func (s *EtcdStore) DeleteTopic(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, etcdOpTimeout)
	defer cancel()
	key := s.keys.topicConfigKey(name)
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), ">", 0)).
		Then(clientv3.OpDelete(s.keys.topicRoot(name), clientv3.WithPrefix())).
		Commit()
	if err != nil {
		return fmt.Errorf("delete topic %s: %w", name, err)
	}
	if !resp.Succeeded {
		return fmt.Errorf("%w: %s", ErrUnknownTopic, name)
	}
	return nil
}

// NextOffset reads the stored next offset for a partition.
func (s *EtcdStore) NextOffset(ctx context.Context, topic string, partition int32) (int64, error) {
	if err := s.checkPartition(ctx, topic, partition); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, etcdOpTimeout)
	defer cancel()
	key := s.keys.offsetKey(topic, partition)
	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if len(resp.Kvs) == 0 {
		return 0, nil
	}
	offset, err := decodeOffset(resp.Kvs[0].Value)
	if err != nil {
		return 0, fmt.Errorf("parse offset for %s: %w", key, err)
	}
	return offset, nil
}

// UpdateOffsets stores the next offset (last + 1) so future producers pick up
// from there. A stale update never moves the stored value backwards.
func (s *EtcdStore) UpdateOffsets(ctx context.Context, topic string, partition int32, lastOffset int64) error {
	if err := s.checkPartition(ctx, topic, partition); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, etcdOpTimeout)
	defer cancel()
	key := s.keys.offsetKey(topic, partition)
	next := lastOffset + 1
	for {
		resp, err := s.client.Get(ctx, key)
		if err != nil {
			return err
		}
		var rev int64
		if len(resp.Kvs) > 0 {
			current, err := decodeOffset(resp.Kvs[0].Value)
			if err != nil {
				return fmt.Errorf("parse offset for %s: %w", key, err)
			}
			if current >= next {
				return nil
			}
			rev = resp.Kvs[0].ModRevision
		}
		txn, err := s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
			Then(clientv3.OpPut(key, encodeOffset(next))).
			Commit()
		if err != nil {
			return err
		}
		if txn.Succeeded {
			return nil
		}
	}
}

func (s *EtcdStore) checkPartition(ctx context.Context, topic string, partition int32) error {
	spec, err := s.Topic(ctx, topic)
	if err != nil {
		return err
	}
	if partition < 0 || partition >= spec.Partitions {
		return fmt.Errorf("%w: %s has no partition %d", ErrUnknownTopic, topic, partition)
	}
	return nil
}
