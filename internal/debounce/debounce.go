// Package debounce はキーごとに1つのタイマーを所有するデバウンサーを提供する。
// 新しいトリガーは常に同じキーの保留中タイマーを取り消すため、
// 静止期間内のバースト（一括INSERTなど）は1回の実行にまとめられる。
package debounce

import (
	"sync"
	"time"
)

type pending struct {
	timer *time.Timer
	gen   uint64
}

// Debouncer はキー単位のデバウンス処理を行う。並行利用に対して安全。
type Debouncer struct {
	mu      sync.Mutex
	delay   time.Duration
	seq     uint64
	timers  map[string]*pending
	stopped bool
}

// New はdelayの静止期間を持つDebouncerを生成する。
func New(delay time.Duration) *Debouncer {
	return &Debouncer{
		delay:  delay,
		timers: make(map[string]*pending),
	}
}

// Trigger はkeyの保留中タイマーを取り消し、delay後にfnを実行するタイマーを新たに設定する。
// Stop後の呼び出しは無視される。
func (d *Debouncer) Trigger(key string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if p, ok := d.timers[key]; ok {
		p.timer.Stop()
	}

	d.seq++
	gen := d.seq
	d.timers[key] = &pending{
		timer: time.AfterFunc(d.delay, func() { d.fire(key, gen, fn) }),
		gen:   gen,
	}
}

// fire はタイマー満了時に呼ばれる。
// 既に新しいトリガーで置き換えられている場合は何もしない。
func (d *Debouncer) fire(key string, gen uint64, fn func()) {
	d.mu.Lock()
	p, ok := d.timers[key]
	if !ok || p.gen != gen {
		d.mu.Unlock()
		return
	}
	delete(d.timers, key)
	d.mu.Unlock()

	fn()
}

// Cancel はkeyの保留中タイマーを取り消す。
func (d *Debouncer) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if p, ok := d.timers[key]; ok {
		p.timer.Stop()
		delete(d.timers, key)
	}
}

// Pending はkeyに保留中のタイマーがあるかを返す。
func (d *Debouncer) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.timers[key]
	return ok
}

// Stop は全ての保留中タイマーを取り消し、以後のTriggerを無効にする。
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	for key, p := range d.timers {
		p.timer.Stop()
		delete(d.timers, key)
	}
}
