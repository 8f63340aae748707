package redis

import (
	"context"
	"strings"

	"github.com/redis/rueidis"

	"github.com/kailas-cloud/qflow/internal/db"
)

// IndexInfo reads document count, vector dimension and readiness via FT.INFO.
// Redis Stack and valkey-search lay the reply out differently; unknown fields
// are ignored.
func (s *Store) IndexInfo(ctx context.Context, name string) (*db.IndexInfo, error) {
	cmd := s.b().Arbitrary("FT.INFO").Args(name).Build()
	raw, err := s.do(ctx, cmd).ToArray()
	if err != nil {
		if isRedisErr(err, "unknown index name") || isRedisErr(err, "no such index") || isRedisErr(err, "not found") {
			return nil, &db.Error{Op: db.OpIndexInfo, Err: db.ErrIndexNotFound}
		}
		return nil, &db.Error{Op: db.OpIndexInfo, Err: classify(err)}
	}
	return parseIndexInfo(name, raw), nil
}

// HashGetAll returns every field of the hash at key.
func (s *Store) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	cmd := s.b().Hgetall().Key(key).Build()
	fields, err := s.do(ctx, cmd).AsStrMap()
	if err != nil {
		return nil, &db.Error{Op: db.OpHGetAll, Err: classify(err)}
	}
	if len(fields) == 0 {
		return nil, db.ErrKeyNotFound
	}
	return fields, nil
}

func parseIndexInfo(name string, raw []rueidis.RedisMessage) *db.IndexInfo {
	info := &db.IndexInfo{Name: name}
	indexing := false
	// 2-stride: [key1, value1, key2, value2, ...]
	for i := 0; i+1 < len(raw); i += 2 {
		key, err := raw[i].ToString()
		if err != nil {
			continue
		}
		v := &raw[i+1]
		switch strings.ToLower(key) {
		case "index_name":
			if n, err := v.ToString(); err == nil && n != "" {
				info.Name = n
			}
		case "num_docs":
			if n, err := v.AsInt64(); err == nil {
				info.NumDocs = n
			}
		case "state":
			info.State, _ = v.ToString()
		case "indexing":
			n, err := v.AsInt64()
			indexing = err == nil && n != 0
		case "attributes":
			info.Dimensions = findDim(v)
		}
	}
	if info.State == "" {
		info.State = "ready"
		if indexing {
			info.State = "indexing"
		}
	}
	return info
}

// findDim walks nested attribute arrays for the first "dim" (Redis Stack) or
// "dimensions" (valkey-search) value.
func findDim(m *rueidis.RedisMessage) int {
	values, err := m.ToArray()
	if err != nil {
		return 0
	}
	for i := range values {
		if values[i].IsArray() {
			if d := findDim(&values[i]); d > 0 {
				return d
			}
			continue
		}
		key, err := values[i].ToString()
		if err != nil || i+1 >= len(values) {
			continue
		}
		if k := strings.ToLower(key); k == "dim" || k == "dimensions" {
			if d, err := values[i+1].AsInt64(); err == nil {
				return int(d)
			}
		}
	}
	return 0
}
