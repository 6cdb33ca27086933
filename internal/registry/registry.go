// Package registry 維護房間內 clientID → 會話 的對應
package registry

import (
	"fmt"
	"sort"

	"github.com/koopa0/system-design/14-relay-server/internal/session"
	apperrors "github.com/koopa0/system-design/14-relay-server/pkg/errors"
)

// Registry 房間成員表
//
// 不加鎖，由擁有它的房間在單一 worker 上操作。
type Registry struct {
	clients map[uint16]*session.Session
}

// New 創建空的成員表
func New() *Registry {
	return &Registry{clients: make(map[uint16]*session.Session)}
}

// Get 取得成員
func (r *Registry) Get(id uint16) (*session.Session, bool) {
	s, ok := r.clients[id]
	return s, ok
}

// Add 加入成員，id 已存在時回傳 DuplicateClient
func (r *Registry) Add(id uint16, s *session.Session) error {
	if _, exists := r.clients[id]; exists {
		return apperrors.ErrDuplicateClient.WithDetails(fmt.Sprintf("client %d", id))
	}
	r.clients[id] = s
	return nil
}

// Remove 移除成員，id 不存在時回傳 UnknownClient
func (r *Registry) Remove(id uint16) (*session.Session, error) {
	s, exists := r.clients[id]
	if !exists {
		return nil, apperrors.ErrUnknownClient.WithDetails(fmt.Sprintf("client %d", id))
	}
	delete(r.clients, id)
	return s, nil
}

// Exists 成員是否存在
func (r *Registry) Exists(id uint16) bool {
	_, exists := r.clients[id]
	return exists
}

// Count 成員數
func (r *Registry) Count() int {
	return len(r.clients)
}

// Clear 清空並回傳原本的成員
func (r *Registry) Clear() map[uint16]*session.Session {
	old := r.clients
	r.clients = make(map[uint16]*session.Session)
	return old
}

// First 回傳 id 最小的成員，用於可重現的房主遷移
func (r *Registry) First() (uint16, *session.Session, error) {
	if len(r.clients) == 0 {
		return 0, nil, apperrors.ErrEmpty
	}
	first := true
	var lowest uint16
	for id := range r.clients {
		if first || id < lowest {
			lowest = id
			first = false
		}
	}
	return lowest, r.clients[lowest], nil
}

// IDs 依升冪排序的成員 id
func (r *Registry) IDs() []uint16 {
	ids := make([]uint16, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Range 走訪所有成員，不保證順序
func (r *Registry) Range(fn func(id uint16, s *session.Session)) {
	for id, s := range r.clients {
		fn(id, s)
	}
}

// Each 依 id 升冪走訪成員
func (r *Registry) Each(fn func(id uint16, s *session.Session)) {
	for _, id := range r.IDs() {
		fn(id, r.clients[id])
	}
}
