package store

import (
	"context"
	_ "embed"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

//go:embed lua/create_semaphore.lua
var createSemaphoreScript string

//go:embed lua/schedule.lua
var scheduleScript string

// Script is a named Lua script, loaded once per process and thereafter
// referenced by its content-hash (SHA1) handle, with lazy NOSCRIPT
// recovery if the server's script cache is flushed out from under us.
type Script struct {
	Name string
	Body string

	mu  sync.RWMutex
	sha string
}

// Known script names.
const (
	ScriptCreateSemaphore = "create_semaphore"
	ScriptSchedule        = "schedule"
)

func newScriptSet() map[string]*Script {
	return map[string]*Script{
		ScriptCreateSemaphore: {Name: ScriptCreateSemaphore, Body: createSemaphoreScript},
		ScriptSchedule:        {Name: ScriptSchedule, Body: scheduleScript},
	}
}

func (s *Script) load(ctx context.Context, rdb redis.UniversalClient) error {
	sha, err := rdb.ScriptLoad(ctx, s.Body).Result()
	if err != nil {
		return NewStoreError("ScriptLoad:"+s.Name, err)
	}
	s.mu.Lock()
	s.sha = sha
	s.mu.Unlock()
	return nil
}

func (s *Script) cachedSHA() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sha
}

func isNoScript(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOSCRIPT")
}
