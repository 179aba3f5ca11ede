// Package pool provides a small generic object-reuse pool, used by
// iomanager to recycle per-idle-call scratch buffers instead of
// allocating fresh on every epoll_wait.
package pool
