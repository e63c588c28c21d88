// Package coordination implements Provider Coordination (C4): the
// pause table and the transient-error backoff windows that gate the
// scheduler's claim step. Backed by Redis (github.com/redis/go-redis/v9,
// the primary store), grounded on internal/breaker.go's
// mutex-guarded, time-windowed bookkeeping style but purpose-built for
// spec.md §4.4's explicit doubling-window semantics rather than a
// generic failure-rate trip.
package coordination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mediaqueue/orchestrator/internal/model"
	"github.com/redis/go-redis/v9"
)

const (
	pauseKeyPrefix   = "coord:pause:"
	backoffKeyPrefix = "coord:backoff:"
)

// Coordination reads/writes the pause and backoff maps. Both are
// eventually consistent with no persistent SQL mirror for backoff
// (purely operational, see DESIGN.md); pause entries persist across a
// scheduler restart since Redis is durable enough for this operational
// concern and admin intent should survive a process bounce.
type Coordination struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Coordination {
	return &Coordination{rdb: rdb}
}

// Pause sets an explicit admin block on a provider (spec.md §4.4).
func (c *Coordination) Pause(ctx context.Context, key, pausedBy, note string) error {
	p := model.ProviderPause{ProviderKey: key, PausedBy: pausedBy, PausedAt: time.Now().UTC(), Note: note}
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("coordination: marshal pause: %w", err)
	}
	return c.rdb.Set(ctx, pauseKeyPrefix+key, b, 0).Err()
}

// Resume clears a provider pause; a no-op if none exists.
func (c *Coordination) Resume(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, pauseKeyPrefix+key).Err()
}

// FindPause returns the pause entry for key, if any.
func (c *Coordination) FindPause(ctx context.Context, key string) (model.ProviderPause, bool, error) {
	raw, err := c.rdb.Get(ctx, pauseKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.ProviderPause{}, false, nil
	}
	if err != nil {
		return model.ProviderPause{}, false, fmt.Errorf("coordination: get pause: %w", err)
	}
	var p model.ProviderPause
	if err := json.Unmarshal(raw, &p); err != nil {
		return model.ProviderPause{}, false, fmt.Errorf("coordination: unmarshal pause: %w", err)
	}
	return p, true, nil
}

// PausedKeys returns every currently paused provider key, used by the
// scheduler's per-tick snapshot (spec.md §4.5 step 4).
func (c *Coordination) PausedKeys(ctx context.Context) ([]string, error) {
	return c.scanKeys(ctx, pauseKeyPrefix)
}

// Trip installs or extends a backoff window after a classified
// transient failure (spec.md §4.4). Window doubles on repeated hits
// within the still-active window, capped at max; cleared on the first
// subsequent Clear call.
func (c *Coordination) Trip(ctx context.Context, key, reason string, initial, max time.Duration) (model.ProviderBackoff, error) {
	now := time.Now().UTC()
	existing, found, err := c.FindBackoff(ctx, key)
	if err != nil {
		return model.ProviderBackoff{}, err
	}
	window := initial
	hits := 1
	if found && existing.Active(now) {
		hits = existing.HitCount + 1
		window = existing.ExpiresAt.Sub(existing.StartedAt) * 2
		if window > max {
			window = max
		}
	}
	b := model.ProviderBackoff{
		ProviderKey: key,
		Reason:      reason,
		StartedAt:   now,
		ExpiresAt:   now.Add(window),
		HitCount:    hits,
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return model.ProviderBackoff{}, fmt.Errorf("coordination: marshal backoff: %w", err)
	}
	if err := c.rdb.Set(ctx, backoffKeyPrefix+key, raw, window).Err(); err != nil {
		return model.ProviderBackoff{}, fmt.Errorf("coordination: set backoff: %w", err)
	}
	return b, nil
}

// Clear removes a provider's backoff window, called on the first
// subsequent success (spec.md §4.4).
func (c *Coordination) Clear(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, backoffKeyPrefix+key).Err()
}

// FindBackoff returns the backoff entry for key, if any (Redis TTL
// means an expired entry is simply absent, so no extra Active() filter
// is needed on the read path beyond what's already expired).
func (c *Coordination) FindBackoff(ctx context.Context, key string) (model.ProviderBackoff, bool, error) {
	raw, err := c.rdb.Get(ctx, backoffKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.ProviderBackoff{}, false, nil
	}
	if err != nil {
		return model.ProviderBackoff{}, false, fmt.Errorf("coordination: get backoff: %w", err)
	}
	var b model.ProviderBackoff
	if err := json.Unmarshal(raw, &b); err != nil {
		return model.ProviderBackoff{}, false, fmt.Errorf("coordination: unmarshal backoff: %w", err)
	}
	return b, true, nil
}

// BackoffKeys returns every provider key currently under an unexpired
// backoff window (spec.md §4.5 step 4).
func (c *Coordination) BackoffKeys(ctx context.Context) ([]string, error) {
	return c.scanKeys(ctx, backoffKeyPrefix)
}

func (c *Coordination) scanKeys(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	iter := c.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val()[len(prefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("coordination: scan %s: %w", prefix, err)
	}
	return out, nil
}

// Active returns the merged pause/backoff view for UI display
// (spec.md §4.4 derived read), the union of both maps keyed by
// provider.
func (c *Coordination) Active(ctx context.Context) ([]model.CoordinationStatus, error) {
	pausedKeys, err := c.PausedKeys(ctx)
	if err != nil {
		return nil, err
	}
	backoffKeys, err := c.BackoffKeys(ctx)
	if err != nil {
		return nil, err
	}
	merged := map[string]*model.CoordinationStatus{}
	for _, k := range pausedKeys {
		p, ok, err := c.FindPause(ctx, k)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		merged[k] = &model.CoordinationStatus{ProviderKey: k, Paused: true, PauseNote: p.Note}
	}
	for _, k := range backoffKeys {
		b, ok, err := c.FindBackoff(ctx, k)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		st, exists := merged[k]
		if !exists {
			st = &model.CoordinationStatus{ProviderKey: k}
			merged[k] = st
		}
		st.BackedOff = true
		ends := b.ExpiresAt
		st.BackoffEnds = &ends
		st.Reason = b.Reason
	}
	out := make([]model.CoordinationStatus, 0, len(merged))
	for _, st := range merged {
		out = append(out, *st)
	}
	return out, nil
}
