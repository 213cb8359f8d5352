/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cursor

import "context"

// PartitionPullFunc reads rows from one precomputed partition, resuming
// after lastClusteringKey when non-empty.
type PartitionPullFunc func(ctx context.Context, partition, lastClusteringKey string) ([]Row, error)

// Simple iterates a precomputed list of partitions sequentially, the
// cursor kind the engine uses when there's no time bucketing and no
// cross-group merge to do at all.
type Simple struct {
	partitions       []string
	index            int
	lastClusteringKey string
	pull             PartitionPullFunc
}

// NewSimple starts a simple cursor over partitions in order.
func NewSimple(partitions []string, pull PartitionPullFunc) *Simple {
	return &Simple{partitions: partitions, pull: pull}
}

// Exhausted reports whether every partition has been consumed.
func (s *Simple) Exhausted() bool {
	return s.index >= len(s.partitions)
}

// Next reads the current partition after the last clustering key seen
// and advances to the next partition once a read returns no rows.
func (s *Simple) Next(ctx context.Context) ([]Row, error) {
	if s.Exhausted() {
		return nil, nil
	}
	rows, err := s.pull(ctx, s.partitions[s.index], s.lastClusteringKey)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		s.index++
		s.lastClusteringKey = ""
		return rows, nil
	}
	s.lastClusteringKey = rows[len(rows)-1].ClusteringKey
	return rows, nil
}
