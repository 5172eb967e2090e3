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
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const defaultKeyPrefix = "/seglog"

type keyspace string

func (k keyspace) topicsRoot() string {
	return string(k) + "/topics/"
}

func (k keyspace) topicRoot(topic string) string {
	return k.topicsRoot() + topic + "/"
}

// topicConfigKey holds the JSON topic spec.
func (k keyspace) topicConfigKey(topic string) string {
	return k.topicRoot(topic) + "config"
}

// offsetKey holds the decimal next offset for a partition.
func (k keyspace) offsetKey(topic string, partition int32) string {
	return fmt.Sprintf("%spartitions/%d/next_offset", k.topicRoot(topic), partition)
}

// topicFromConfigKey recovers the topic name from a config key.
func (k keyspace) topicFromConfigKey(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, k.topicsRoot())
	if !ok {
		return "", false
	}
	name, ok := strings.CutSuffix(rest, "/config")
	if !ok || name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

// EncodeTopicSpec serializes a topic spec for storage.
func EncodeTopicSpec(spec TopicSpec) ([]byte, error) {
	return json.Marshal(spec)
}

// DecodeTopicSpec parses a stored topic spec.
func DecodeTopicSpec(data []byte) (TopicSpec, error) {
	var spec TopicSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return TopicSpec{}, fmt.Errorf("decode topic spec: %w", err)
	}
	return spec, nil
}

func encodeOffset(next int64) string {
	return strconv.FormatInt(next, 10)
}

func decodeOffset(raw []byte) (int64, error) {
	val := strings.TrimSpace(string(raw))
	if val == "" {
		return 0, nil
	}
	return strconv.ParseInt(val, 10, 64)
}
