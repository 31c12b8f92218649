package callback

import "sync"

// Tracker はユーザーごとにコールバック処理の世代を管理する。
// 同じユーザーの処理が重なった場合、最後に開始したものだけが遷移を適用できる。
type Tracker struct {
	mu   sync.Mutex
	gens map[string]uint64
	next uint64
}

// NewTracker はTrackerを生成する。
func NewTracker() *Tracker {
	return &Tracker{gens: make(map[string]uint64)}
}

// Begin は新しい世代を開始して返す。以前の世代は無効になる。
func (t *Tracker) Begin(userID string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	t.gens[userID] = t.next
	return t.next
}

// IsCurrent はgenがそのユーザーの最新の世代かどうかを返す。
func (t *Tracker) IsCurrent(userID string, gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gens[userID] == gen
}

// Done は世代の終了を記録する。最新の世代であればエントリを削除する。
func (t *Tracker) Done(userID string, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gens[userID] == gen {
		delete(t.gens, userID)
	}
}

// Len は処理中のユーザー数を返す。
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.gens)
}
