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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/elastic/go-elasticsearch/v8"

	"github.com/mjcarson/thorium-scaler/pkg/errs"
	"github.com/mjcarson/thorium-scaler/pkg/metrics"
)

// ElasticRetain is the serializable state an Elastic cursor persists
// between pages.
type ElasticRetain struct {
	ID          string    `json:"id"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Groups      []string  `json:"groups"`
	Query       string    `json:"query"`
	Index       string    `json:"index"`
	PITID       string    `json:"pit_id"`
	SearchAfter []any     `json:"search_after"`
	Exhausted   bool      `json:"exhausted"`
}

// Elastic pages a group-filtered, time-ranged full-text query using a
// point-in-time handle and search_after, sorted [streamed desc,
// _shard_doc desc].
type Elastic struct {
	client *elasticsearch.Client
	store  Store
	retain ElasticRetain
}

// NewElastic opens a point-in-time handle over index and starts a fresh
// cursor.
func NewElastic(ctx context.Context, client *elasticsearch.Client, store Store, id, index, query string, start, end time.Time, groups []string, keepAlive time.Duration) (*Elastic, error) {
	res, err := client.OpenPointInTime(
		[]string{index},
		keepAlive.String(),
	)
	if err != nil {
		return nil, errs.Transient(err, "index", index)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, errs.Transient(fmt.Errorf("open_pit: %s", res.String()), "index", index)
	}
	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, errs.Transient(err, "index", index)
	}
	return &Elastic{
		client: client,
		store:  store,
		retain: ElasticRetain{
			ID: id, Start: start, End: end, Groups: groups,
			Query: query, Index: index, PITID: body.ID,
		},
	}, nil
}

// GetElastic restores a previously saved Elastic cursor.
func GetElastic(ctx context.Context, client *elasticsearch.Client, store Store, id string) (*Elastic, error) {
	raw, ok, err := store.Get(ctx, Key("elastic", id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.NotFound(nil, "cursor", id)
	}
	var retain ElasticRetain
	if err := json.Unmarshal(raw, &retain); err != nil {
		return nil, errs.Transient(err, "cursor", id)
	}
	return &Elastic{client: client, store: store, retain: retain}, nil
}

func (e *Elastic) searchBody(size int) ([]byte, error) {
	body := map[string]any{
		"size": size,
		"query": map[string]any{
			"bool": map[string]any{
				"must": []any{
					map[string]any{"query_string": map[string]any{"query": e.retain.Query}},
					map[string]any{"terms": map[string]any{"group": e.retain.Groups}},
					map[string]any{"range": map[string]any{
						"streamed": map[string]any{
							"gte": e.retain.End.Format(time.RFC3339),
							"lte": e.retain.Start.Format(time.RFC3339),
						},
					}},
				},
			},
		},
		"pit":  map[string]any{"id": e.retain.PITID, "keep_alive": "1m"},
		"sort": []any{
			map[string]any{"streamed": "desc"},
			map[string]any{"_shard_doc": "desc"},
		},
	}
	if len(e.retain.SearchAfter) > 0 {
		body["search_after"] = e.retain.SearchAfter
	}
	return json.Marshal(body)
}

// Next pulls up to size hits and advances search_after/PIT.
func (e *Elastic) Next(ctx context.Context, size int) ([]Row, error) {
	if e.retain.Exhausted {
		return nil, nil
	}
	started := time.Now()
	defer func() {
		metrics.CursorPageDuration.WithLabelValues("elastic").Observe(time.Since(started).Seconds())
	}()
	payload, err := e.searchBody(size)
	if err != nil {
		return nil, errs.Transient(err)
	}
	res, err := e.client.Search(
		e.client.Search.WithContext(ctx),
		e.client.Search.WithBody(bytes.NewReader(payload)),
	)
	if err != nil {
		return nil, errs.Transient(err)
	}
	defer res.Body.Close()
	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		return nil, errs.Transient(fmt.Errorf("search: %s", string(data)))
	}

	var parsed struct {
		PITID string `json:"pit_id"`
		Hits  struct {
			Hits []struct {
				Sort   []any           `json:"sort"`
				Source json.RawMessage `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, errs.Transient(err)
	}
	if parsed.PITID != "" {
		e.retain.PITID = parsed.PITID
	}
	if len(parsed.Hits.Hits) == 0 {
		e.retain.Exhausted = true
		return nil, nil
	}
	rows := make([]Row, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		rows = append(rows, Row{Data: h.Source})
	}
	e.retain.SearchAfter = parsed.Hits.Hits[len(parsed.Hits.Hits)-1].Sort
	if len(parsed.Hits.Hits) < size {
		e.retain.Exhausted = true
	}
	return rows, nil
}

// Save persists retained state, or deletes it (and closes the PIT) once
// exhausted.
func (e *Elastic) Save(ctx context.Context) error {
	if e.retain.Exhausted {
		_, _ = e.client.ClosePointInTime(e.client.ClosePointInTime.WithBody(
			bytes.NewReader([]byte(fmt.Sprintf(`{"id":%q}`, e.retain.PITID))),
		))
		return e.store.Del(ctx, Key("elastic", e.retain.ID))
	}
	raw, err := json.Marshal(e.retain)
	if err != nil {
		return errs.Transient(err, "cursor", e.retain.ID)
	}
	return e.store.Set(ctx, Key("elastic", e.retain.ID), raw, RetainTTL)
}
