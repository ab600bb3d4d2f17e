package port

import "context"

// KeyLocker 是按资源名互斥的出站端口，语义为"尝试加锁"：
// 资源已被占用时立即返回 lock.ErrContended，而不是排队等待。
type KeyLocker interface {
	TryLock(ctx context.Context, key string) (unlock func(), err error)
}
