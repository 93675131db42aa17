package notification

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Registry はサインイン中のユーザーごとに1つのCenterを保持する。
// mapにはSetUserが完了したCenterのみを置く。
type Registry struct {
	deps Deps
	opts Options

	inits singleflight.Group

	mu      sync.Mutex
	centers map[string]*Center
	// removals はユーザーごとのRemove回数。初期化中のRemoveを検出する。
	removals map[string]uint64
}

// NewRegistry はRegistryを生成する。
func NewRegistry(deps Deps, opts Options) *Registry {
	return &Registry{
		deps:     deps,
		opts:     opts,
		centers:  make(map[string]*Center),
		removals: make(map[string]uint64),
	}
}

// Get はユーザーのCenterを返す。存在しない場合は生成して初回読み込みを行う。
// 同じユーザーの同時呼び出しは1回の初期化を共有する。
func (r *Registry) Get(ctx context.Context, userID string) (*Center, error) {
	if c, ok := r.Lookup(userID); ok {
		return c, nil
	}

	v, err, _ := r.inits.Do(userID, func() (any, error) {
		if c, ok := r.Lookup(userID); ok {
			return c, nil
		}

		r.mu.Lock()
		gen := r.removals[userID]
		r.mu.Unlock()

		c := NewCenter(r.deps, r.opts)
		if err := c.SetUser(context.WithoutCancel(ctx), userID); err != nil {
			c.Close()
			return nil, err
		}

		r.mu.Lock()
		removed := r.removals[userID] != gen
		if !removed {
			r.centers[userID] = c
		}
		r.mu.Unlock()
		if removed {
			// 初期化中にサインアウトされた場合は保持しない。
			c.Close()
		}
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Center), nil
}

// Lookup は生成済みのCenterを返す。
func (r *Registry) Lookup(userID string) (*Center, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.centers[userID]
	return c, ok
}

// Remove はユーザーのCenterを破棄する。
func (r *Registry) Remove(userID string) {
	r.mu.Lock()
	c, ok := r.centers[userID]
	delete(r.centers, userID)
	r.removals[userID]++
	r.mu.Unlock()

	if ok {
		c.Close()
	}
}

// Len は保持しているCenterの数を返す。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.centers)
}

// Close は全てのCenterを破棄する。
func (r *Registry) Close() {
	r.mu.Lock()
	centers := r.centers
	r.centers = make(map[string]*Center)
	r.mu.Unlock()

	for _, c := range centers {
		c.Close()
	}
}
