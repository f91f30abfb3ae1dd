package repository

import (
	"context"
	"fmt"
	"sort"

	"egressfleet/internal/common/cache"
	"egressfleet/internal/fleet/model"
)

const DefaultRedisPrefix = "egressfleet"

// RedisStore keeps records under <prefix>:instance:<id> and tracks ids in the
// set <prefix>:instances.
type RedisStore struct {
	cache  cache.Cache
	prefix string
}

func NewRedisStore(c cache.Cache, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{cache: c, prefix: prefix}
}

func (s *RedisStore) recordKey(id string) string {
	return fmt.Sprintf("%s:instance:%s", s.prefix, id)
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":instances"
}

func (s *RedisStore) Save(ctx context.Context, inst *model.Instance) error {
	data, err := encode(inst)
	if err != nil {
		return err
	}
	return s.cache.Pipeline(ctx, func(pipe cache.Pipeliner) error {
		if err := pipe.Set(s.recordKey(inst.ID), data, 0); err != nil {
			return err
		}
		return pipe.SAdd(s.indexKey(), inst.ID)
	})
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	return s.cache.Pipeline(ctx, func(pipe cache.Pipeliner) error {
		if err := pipe.Del(s.recordKey(id)); err != nil {
			return err
		}
		return pipe.SRem(s.indexKey(), id)
	})
}

func (s *RedisStore) Load(ctx context.Context, id string) (*model.Instance, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	value, err := s.cache.Get(ctx, s.recordKey(id))
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", id, err)
	}
	if value == "" {
		return nil, notFound(id)
	}
	return decode(id, []byte(value))
}

// List reads the index and fetches every record in one round trip. Ids whose
// record vanished are dropped from the result.
func (s *RedisStore) List(ctx context.Context) ([]*model.Instance, error) {
	ids, err := s.cache.SMembers(ctx, s.indexKey())
	if err != nil {
		return nil, fmt.Errorf("list record index: %w", err)
	}
	if len(ids) == 0 {
		return []*model.Instance{}, nil
	}
	sort.Strings(ids)
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(id)
	}
	values, err := s.cache.MGet(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("fetch records: %w", err)
	}
	out := make([]*model.Instance, 0, len(ids))
	for i, value := range values {
		if value == "" {
			continue
		}
		inst, err := decode(ids[i], []byte(value))
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

var _ Store = (*RedisStore)(nil)
