package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/northgate-labs/warden/pkg/clock"
)

const (
	redisSwitchHash    = "warden:kill_switches"
	redisGatePolicyFmt = "warden:gate:%s:policies"
)

// RedisSource is a Source backed by Redis, for deployments where the control
// plane shares switch/policy state across processes. Records are stored as
// JSON hash fields; this source only reads, ops tooling publishes.
type RedisSource struct {
	rdb *redis.Client
	clk clock.Clock
}

// NewRedisSource wraps an existing Redis client.
func NewRedisSource(rdb *redis.Client, clk clock.Clock) *RedisSource {
	if clk == nil {
		clk = clock.System{}
	}
	return &RedisSource{rdb: rdb, clk: clk}
}

// ActiveKillSwitches implements Source.
func (s *RedisSource) ActiveKillSwitches(ctx context.Context, target Scope) ([]KillSwitch, error) {
	fields, err := s.rdb.HGetAll(ctx, redisSwitchHash).Result()
	if err != nil {
		return nil, fmt.Errorf("policy: redis read kill switches: %w", err)
	}

	now := s.clk.Now()
	var out []KillSwitch
	for key, raw := range fields {
		var ks KillSwitch
		if err := json.Unmarshal([]byte(raw), &ks); err != nil {
			return nil, fmt.Errorf("policy: decode kill switch %s: %w", key, err)
		}
		if ks.EffectiveActive(now) && ks.Scope.Covers(target) {
			out = append(out, ks)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Mode.Severity() != out[j].Mode.Severity() {
			return out[i].Mode.Severity() > out[j].Mode.Severity()
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

// ActivePolicies implements Source.
func (s *RedisSource) ActivePolicies(ctx context.Context, gateKey string) ([]ControlPolicy, error) {
	fields, err := s.rdb.HGetAll(ctx, fmt.Sprintf(redisGatePolicyFmt, gateKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("policy: redis read policies for gate %s: %w", gateKey, err)
	}

	out := make([]ControlPolicy, 0, len(fields))
	for id, raw := range fields {
		var p ControlPolicy
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("policy: decode policy %s: %w", id, err)
		}
		if !p.Active {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// PublishSwitch writes a kill switch record for readers of this source.
func (s *RedisSource) PublishSwitch(ctx context.Context, ks KillSwitch) error {
	raw, err := json.Marshal(ks)
	if err != nil {
		return fmt.Errorf("policy: encode kill switch %s: %w", ks.Key, err)
	}
	if err := s.rdb.HSet(ctx, redisSwitchHash, ks.Key, raw).Err(); err != nil {
		return fmt.Errorf("policy: redis write kill switch %s: %w", ks.Key, err)
	}
	return nil
}

// PublishPolicy writes a policy record bound to a gate.
func (s *RedisSource) PublishPolicy(ctx context.Context, gateKey string, p ControlPolicy) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("policy: encode policy %s: %w", p.Key, err)
	}
	if err := s.rdb.HSet(ctx, fmt.Sprintf(redisGatePolicyFmt, gateKey), p.ID, raw).Err(); err != nil {
		return fmt.Errorf("policy: redis write policy %s: %w", p.Key, err)
	}
	return nil
}
