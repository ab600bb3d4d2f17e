// Package lock 提供按资源名互斥的"尝试加锁"实现：进程内分片锁、Redis、ZooKeeper。
// 所有实现在资源被占用时都立即返回 ErrContended，不排队。
package lock

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
)

// ErrContended 表示资源当前被其他持有者占用
var ErrContended = errors.New("lock is held by another owner")

// Config 是锁后端配置
type Config struct {
	Backend   string   `yaml:"backend"` // none | local | redis | zookeeper
	RedisAddr string   `yaml:"redis_addr"`
	ZKServers []string `yaml:"zk_servers"`
	ZKRoot    string   `yaml:"zk_root"`
	TTLMillis int      `yaml:"ttl_ms"`
}

const shardCount = 64

// LocalLocker 是进程内按 key 分片的互斥，适用于单节点部署
type LocalLocker struct {
	shards [shardCount]localShard
}

type localShard struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	l := &LocalLocker{}
	for i := range l.shards {
		l.shards[i].held = make(map[string]struct{})
	}
	return l
}

func (l *LocalLocker) shard(key string) *localShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &l.shards[h.Sum32()%shardCount]
}

// TryLock 尝试获取 key 的独占权，不同 key 之间互不影响
func (l *LocalLocker) TryLock(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := l.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.held[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrContended, key)
	}
	s.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.held, key)
			s.mu.Unlock()
		})
	}, nil
}

// Held 返回 key 当前是否被持有，仅用于观测
func (l *LocalLocker) Held(key string) bool {
	s := l.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.held[key]
	return ok
}
