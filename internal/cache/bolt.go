package cache

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var metaBucket = []byte("_meta")

const partitionPrefix = "p:"

// BoltStorage persists partitions in a bbolt file so they survive restarts.
// Each partition is a bucket; _meta records creation order.
type BoltStorage struct {
	db *bolt.DB
}

func OpenBoltStorage(path string) (*BoltStorage, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("cache: open bolt %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache: init bolt: %w", err)
	}
	return &BoltStorage{db: db}, nil
}

func (s *BoltStorage) Close() error {
	return s.db.Close()
}

func bucketName(partition string) []byte {
	return []byte(partitionPrefix + partition)
}

func (s *BoltStorage) Open(ctx context.Context, name string) (Partition, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		if meta.Get([]byte(name)) != nil {
			return nil
		}
		seq, err := meta.NextSequence()
		if err != nil {
			return err
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], seq)
		if err := meta.Put([]byte(name), buf[:]); err != nil {
			return err
		}
		_, err = tx.CreateBucketIfNotExists(bucketName(name))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("cache: open partition %s: %w", name, err)
	}
	return &boltPartition{db: s.db, name: name}, nil
}

func (s *BoltStorage) Has(ctx context.Context, name string) (bool, error) {
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(metaBucket).Get([]byte(name)) != nil
		return nil
	})
	return ok, err
}

func (s *BoltStorage) Delete(ctx context.Context, name string) (bool, error) {
	var deleted bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		if meta.Get([]byte(name)) == nil {
			return nil
		}
		if err := meta.Delete([]byte(name)); err != nil {
			return err
		}
		if tx.Bucket(bucketName(name)) != nil {
			if err := tx.DeleteBucket(bucketName(name)); err != nil {
				return err
			}
		}
		deleted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("cache: delete partition %s: %w", name, err)
	}
	return deleted, nil
}

func (s *BoltStorage) Names(ctx context.Context) ([]string, error) {
	type named struct {
		name string
		seq  uint64
	}
	var all []named
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).ForEach(func(k, v []byte) error {
			if len(v) != 8 {
				return fmt.Errorf("cache: malformed meta for %q", k)
			}
			all = append(all, named{name: string(k), seq: binary.BigEndian.Uint64(v)})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })

	out := make([]string, len(all))
	for i, n := range all {
		out[i] = n.name
	}
	return out, nil
}

func (s *BoltStorage) Match(ctx context.Context, key string) (*Response, bool, error) {
	names, err := s.Names(ctx)
	if err != nil {
		return nil, false, err
	}
	for _, name := range names {
		p := &boltPartition{db: s.db, name: name}
		resp, ok, err := p.Match(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return resp, true, nil
		}
	}
	return nil, false, nil
}

type boltPartition struct {
	db   *bolt.DB
	name string
}

func (p *boltPartition) Name() string { return p.name }

func (p *boltPartition) Match(ctx context.Context, key string) (*Response, bool, error) {
	var raw []byte
	err := p.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(p.name))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil || raw == nil {
		return nil, false, err
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, false, fmt.Errorf("cache: decode %s in %s: %w", key, p.name, err)
	}
	return &resp, true, nil
}

func (p *boltPartition) Put(ctx context.Context, key string, resp *Response) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	return p.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(p.name))
		if b == nil {
			return fmt.Errorf("%w: %s", ErrPartitionNotFound, p.name)
		}
		return b.Put([]byte(key), raw)
	})
}

func (p *boltPartition) Delete(ctx context.Context, key string) (bool, error) {
	var deleted bool
	err := p.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(p.name))
		if b == nil || b.Get([]byte(key)) == nil {
			return nil
		}
		deleted = true
		return b.Delete([]byte(key))
	})
	return deleted, err
}

func (p *boltPartition) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := p.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(p.name))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}
