package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"

	"stockhold/internal/pkg/logger"
)

const defaultZKRoot = "/distributed_locks" // 所有分布式锁的根节点

// zkConn 是 *zk.Conn 中用到的方法，便于测试替换
type zkConn interface {
	Exists(path string) (bool, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	CreateProtectedEphemeralSequential(path string, data []byte, acl []zk.ACL) (string, error)
	Children(path string) ([]string, *zk.Stat, error)
	Delete(path string, version int32) error
}

// ZooKeeperLocker 使用临时顺序节点实现互斥。
// 与排队等待前驱节点删除的经典实现不同，这里发现自己不是最小节点时
// 立即删除自己的节点并返回 ErrContended。
type ZooKeeperLocker struct {
	conn zkConn
	root string
}

// DialZooKeeper 连接 ZooKeeper 集群
func DialZooKeeper(servers []string, sessionTimeout time.Duration) (*zk.Conn, error) {
	conn, _, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect zookeeper: %w", err)
	}
	return conn, nil
}

func NewZooKeeperLocker(conn zkConn, root string) *ZooKeeperLocker {
	if root == "" {
		root = defaultZKRoot
	}
	return &ZooKeeperLocker{conn: conn, root: strings.TrimRight(root, "/")}
}

// ensure 确保节点存在，并发创建时的 ErrNodeExists 视为成功
func (l *ZooKeeperLocker) ensure(path string) error {
	exists, _, err := l.conn.Exists(path)
	if err != nil {
		return fmt.Errorf("failed to check node %s: %w", path, err)
	}
	if exists {
		return nil
	}
	_, err = l.conn.Create(path, []byte(""), 0, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("failed to create node %s: %w", path, err)
	}
	return nil
}

func (l *ZooKeeperLocker) TryLock(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := l.ensure(l.root); err != nil {
		return nil, err
	}
	lockPath := l.root + "/" + key
	if err := l.ensure(lockPath); err != nil {
		return nil, err
	}

	// 1. 在锁路径下创建一个临时顺序节点
	nodePath, err := l.conn.CreateProtectedEphemeralSequential(lockPath+"/lock-", []byte(""), zk.WorldACL(zk.PermAll))
	if err != nil {
		return nil, fmt.Errorf("failed to create sequential node: %w", err)
	}
	myNode := strings.TrimPrefix(nodePath, lockPath+"/")

	// 2. 判断自己是否是序号最小的节点
	children, _, err := l.conn.Children(lockPath)
	if err != nil {
		l.remove(ctx, nodePath)
		return nil, fmt.Errorf("failed to get children nodes: %w", err)
	}
	if len(children) == 0 || lowestNode(children) != myNode {
		l.remove(ctx, nodePath)
		return nil, fmt.Errorf("%w: %s", ErrContended, key)
	}

	return func() { l.remove(ctx, nodePath) }, nil
}

func (l *ZooKeeperLocker) remove(ctx context.Context, nodePath string) {
	if err := l.conn.Delete(nodePath, -1); err != nil && !errors.Is(err, zk.ErrNoNode) {
		logger.Ctx(ctx).Warn().Err(err).Str("node", nodePath).Msg("failed to delete lock node")
	}
}

// lowestNode 按顺序号排序。受保护节点带有 _c_<guid>- 前缀，
// 不能直接按整个节点名排序。
func lowestNode(children []string) string {
	sorted := append([]string(nil), children...)
	sort.Slice(sorted, func(i, j int) bool {
		return sequenceOf(sorted[i]) < sequenceOf(sorted[j])
	})
	return sorted[0]
}

// sequenceOf 取节点名末尾 10 位顺序号
func sequenceOf(node string) string {
	if len(node) < 10 {
		return node
	}
	return node[len(node)-10:]
}
