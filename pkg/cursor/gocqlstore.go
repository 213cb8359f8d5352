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

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gocql/gocql"

	"github.com/mjcarson/thorium-scaler/pkg/errs"
)

// GocqlTable names the partition/clustering columns a Scylla-backed
// Schema.Pull needs to read one (group, year, bucket) partition:
// partitioned by (group, year, bucket), clustered by (timestamp,
// clustering key).
type GocqlTable struct {
	Keyspace       string
	Table          string
	PartitionCol   string // e.g. "group" or "scaler_tag"
	TimestampCol   string // clustering column 1, e.g. "deadline" or "ts"
	ClusteringCol  string // clustering column 2 (tie-breaker), e.g. "job_id"
	DedupeCol      string // column to use as the dedupe key, often same as ClusteringCol
}

// NewGocqlPull builds a PullFunc that reads one bucket's worth of rows
// from session via a CQL SELECT, the concrete backend behind Schema.Pull
// for the bucketed Scylla cursor and the deadline feed built on it. The
// tag and grouped cursors take their own pull function types.
func NewGocqlPull(session *gocql.Session, table GocqlTable) PullFunc {
	stmt := "SELECT " + table.TimestampCol + ", " + table.ClusteringCol + ", " + table.DedupeCol + ", payload FROM " +
		table.Keyspace + "." + table.Table +
		" WHERE " + table.PartitionCol + " = ? AND year = ? AND bucket = ?"
	return func(ctx context.Context, group string, year int, bucket int64) ([]Row, error) {
		iter := session.Query(stmt, group, year, bucket).WithContext(ctx).Iter()
		var rows []Row
		var ts time.Time
		var clustering, dedupe string
		var payload []byte
		for iter.Scan(&ts, &clustering, &dedupe, &payload) {
			rows = append(rows, Row{
				Group:         group,
				Timestamp:     ts,
				ClusteringKey: clustering,
				DedupeKey:     dedupe,
				Data:          json.RawMessage(payload),
			})
		}
		if err := iter.Close(); err != nil {
			return nil, errs.Transient(err, "keyspace", table.Keyspace, "table", table.Table, "bucket", bucket)
		}
		return rows, nil
	}
}

// NewGocqlTagPull builds a TagPullFunc over a tag table partitioned by
// (group, tag_key, tag_value, year, bucket): one row per (item, tag)
// pair, so TagCursor can count how many required keys each item carries.
func NewGocqlTagPull(session *gocql.Session, keyspace, table string) TagPullFunc {
	stmt := "SELECT ts, item, payload FROM " + keyspace + "." + table +
		` WHERE "group" = ? AND tag_key = ? AND tag_value = ? AND year = ? AND bucket = ?`
	return func(ctx context.Context, group, key, value string, year int, bucket int64) ([]Row, error) {
		iter := session.Query(stmt, group, key, value, year, bucket).WithContext(ctx).Iter()
		var rows []Row
		var ts time.Time
		var item string
		var payload []byte
		for iter.Scan(&ts, &item, &payload) {
			rows = append(rows, Row{
				Group:         group,
				Timestamp:     ts,
				ClusteringKey: item,
				DedupeKey:     item,
				Data:          json.RawMessage(payload),
			})
		}
		if err := iter.Close(); err != nil {
			return nil, errs.Transient(err, "keyspace", keyspace, "table", table, "bucket", bucket)
		}
		return rows, nil
	}
}

// NewGocqlCensus builds a CensusFunc over a per-(group,key,value) bucket
// census table, the backing store for TagCursor's intersection step.
func NewGocqlCensus(session *gocql.Session, keyspace, table string) CensusFunc {
	stmt := "SELECT bucket FROM " + keyspace + "." + table +
		` WHERE "group" = ? AND tag_key = ? AND tag_value = ? AND bucket <= ? LIMIT ?`
	return func(ctx context.Context, group, key, value string, before int64, page int) ([]int64, error) {
		iter := session.Query(stmt, group, key, value, before, page).WithContext(ctx).Iter()
		var buckets []int64
		var b int64
		for iter.Scan(&b) {
			buckets = append(buckets, b)
		}
		if err := iter.Close(); err != nil {
			return nil, errs.Transient(err, "keyspace", keyspace, "table", table)
		}
		return buckets, nil
	}
}

// NewGocqlSession dials a Scylla/Cassandra cluster with the given hosts
// and keyspace, the one place gocql.ClusterConfig is assembled.
func NewGocqlSession(hosts []string, keyspace string, timeout time.Duration) (*gocql.Session, error) {
	cluster := gocql.NewCluster(hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = gocql.Quorum
	if timeout > 0 {
		cluster.Timeout = timeout
	}
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, errs.Transient(err, "hosts", hosts, "keyspace", keyspace)
	}
	return session, nil
}
