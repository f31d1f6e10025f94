package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/breakhunt/internal/session"
	"github.com/mohammad-safakhou/breakhunt/internal/store"
)

// Cleaner sweeps expired sessions out of the registry and the store. A redis
// lock keeps replicas from double-sweeping the durable rows.
type Cleaner struct {
	Registry *session.Registry
	Store    *store.Store
	Rdb      *redis.Client
	Cron     string
	TTL      time.Duration
	Stop     chan struct{}
	Logger   *log.Logger
}

func (cl *Cleaner) Start() {
	if cl.Logger == nil {
		cl.Logger = log.New(log.Writer(), "[CLEANER] ", log.LstdFlags)
	}
	go func() {
		for {
			next, ok := cl.nextRun(time.Now())
			if !ok {
				cl.Logger.Printf("invalid cleaner cron %q, sweeping hourly", cl.Cron)
				next = time.Now().Add(time.Hour)
			}
			timer := time.NewTimer(time.Until(next))
			select {
			case <-cl.Stop:
				timer.Stop()
				return
			case <-timer.C:
				cl.sweep()
			}
		}
	}()
}

func (cl *Cleaner) nextRun(from time.Time) (time.Time, bool) {
	expr, err := cronexpr.Parse(cl.Cron)
	if err != nil {
		return time.Time{}, false
	}
	return expr.Next(from), true
}

func (cl *Cleaner) sweep() {
	ctx := context.Background()
	if cl.Logger == nil {
		cl.Logger = log.New(log.Writer(), "[CLEANER] ", log.LstdFlags)
	}

	// In-memory sweep is per-replica and needs no coordination. Hunting
	// sessions are skipped so a sweep never kills a live batch.
	swept := cl.Registry.SweepExpired(cl.TTL)
	if len(swept) > 0 {
		cl.Logger.Printf("swept %d idle session(s) from memory", len(swept))
	}

	if cl.Store == nil {
		return
	}
	if cl.Rdb != nil {
		ok, err := cl.Rdb.SetNX(ctx, "cleaner:lock", "1", 2*time.Minute).Result()
		if err != nil || !ok {
			return
		}
		defer cl.Rdb.Del(ctx, "cleaner:lock")
	}
	cutoff := time.Now().UTC().Add(-cl.TTL)
	ids, err := cl.Store.ListExpiredSessions(ctx, cutoff)
	if err != nil {
		cl.Logger.Printf("list expired sessions: %v", err)
		return
	}
	for _, id := range ids {
		// A session still live on this replica is not expired, whatever the
		// last_seen row says.
		if s, ok := cl.Registry.Get(id); ok && s.Hunting() {
			continue
		}
		if err := cl.Store.DeleteSession(ctx, id); err != nil {
			cl.Logger.Printf("delete expired session %s: %v", id, err)
			continue
		}
		cl.Registry.Delete(id)
	}
	if len(ids) > 0 {
		cl.Logger.Printf("expired %d durable session(s)", len(ids))
	}
}
