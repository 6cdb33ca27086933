// Package idpool 管理 16 位元識別碼的分配與回收
package idpool

import "math/bits"

const (
	// Universe 識別碼總數（0..65535）
	Universe = 1 << 16

	words = Universe / 64
)

// Pool 16 位元識別碼池
//
// 系統設計考量：
//
//  1. 資料結構：位元集合（1024 個 uint64）
//     - 位元為 1 表示可用
//     - 全集只佔 8KB，每個房間一份也負擔得起
//     - 相比 map[uint16]struct{}：沒有雜湊、沒有 GC 掃描壓力
//
//  2. 分配策略：游標輪轉
//     - 從上次分配的 word 開始往後找第一個非零 word
//     - 剛回收的 id 不會立刻被重新分配（除非池快用完）
//     - 不保證分配順序，呼叫端不應依賴
//
//  3. 並發：不加鎖
//     - Pool 屬於單一房間，房間固定在一個 worker 上執行
type Pool struct {
	set    [words]uint64
	free   int
	cursor int
}

// New 創建一個包含完整識別碼集合的池
func New() *Pool {
	p := &Pool{}
	p.Clear()
	return p
}

// IsEmpty 是否已無可用識別碼
func (p *Pool) IsEmpty() bool {
	return p.free == 0
}

// Len 可用識別碼數量
func (p *Pool) Len() int {
	return p.free
}

// Clear 重置為完整集合
func (p *Pool) Clear() {
	for i := range p.set {
		p.set[i] = ^uint64(0)
	}
	p.free = Universe
	p.cursor = 0
}

// GetID 取出一個可用識別碼，池耗盡時回傳 false
func (p *Pool) GetID() (uint16, bool) {
	if p.free == 0 {
		return 0, false
	}

	for n := 0; n < words; n++ {
		i := (p.cursor + n) % words
		w := p.set[i]
		if w == 0 {
			continue
		}
		bit := bits.TrailingZeros64(w)
		p.set[i] = w &^ (1 << bit)
		p.free--
		p.cursor = i
		return uint16(i*64 + bit), true
	}

	// free 計數與位元集合不一致時才會到這裡
	return 0, false
}

// ReturnID 歸還識別碼
//
// 若識別碼本來就在池中，回傳 false 且不做任何改變（呼叫端錯誤，只回報不中斷）。
func (p *Pool) ReturnID(id uint16) bool {
	i, bit := int(id)/64, uint(id)%64
	mask := uint64(1) << bit
	if p.set[i]&mask != 0 {
		return false
	}
	p.set[i] |= mask
	p.free++
	return true
}

// Contains 識別碼目前是否可用
func (p *Pool) Contains(id uint16) bool {
	return p.set[int(id)/64]&(uint64(1)<<(uint(id)%64)) != 0
}
