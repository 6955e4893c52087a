// 文件: pkg/alert/redis.go
// 基于 Redis 的预警存储 (多实例共享规则)
//
// 【数据布局】
// - alert:detail:{id}            规则 JSON
// - alerts:{metric}:{direction}  ZSET，score=阈值，member="ID:Type" (查询时无需反序列化)
// - alerts:ids                   全部规则 ID (List 用)
// - alert:cooldown:{id}          Always 类型冷却锁 (SetNX + TTL)
// - alert:daily:{id}:{yyyymmdd}  Daily 类型当日锁

package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"valuation.com/pkg/errs"
)

// 确保实现了接口
var _ Store = (*RedisStore)(nil)

const redisBatchSize = 100

// RedisStore Redis 预警存储
type RedisStore struct {
	client   *redis.Client
	cooldown time.Duration
}

// NewRedisStore 创建 Redis 存储
func NewRedisStore(addr string, cooldown time.Duration) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	return NewRedisStoreWithClient(rdb, cooldown)
}

// NewRedisStoreWithClient 复用已有连接
func NewRedisStoreWithClient(rdb *redis.Client, cooldown time.Duration) *RedisStore {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &RedisStore{client: rdb, cooldown: cooldown}
}

// Ping 检查连接
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close 关闭连接
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func detailKey(id string) string { return "alert:detail:" + id }

func indexKey(metric string, d Direction) string {
	return "alerts:" + metric + ":" + string(d)
}

const idsKey = "alerts:ids"

// luaAdd 新增规则
// KEYS[1]: detailKey
// KEYS[2]: indexKey
// KEYS[3]: idsKey
// ARGV[1]: id
// ARGV[2]: score (threshold)
// ARGV[3]: ruleJSON
// ARGV[4]: type
const luaAdd = `
	local old = redis.call('GET', KEYS[1])
	if old then
		local r = cjson.decode(old)
		local oldIndex = string.format("alerts:%s:%s", r["metric"], r["direction"])
		redis.call('ZREM', oldIndex, ARGV[1] .. ":" .. r["type"])
	end
	redis.call('SET', KEYS[1], ARGV[3])
	redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1] .. ":" .. ARGV[4])
	redis.call('SADD', KEYS[3], ARGV[1])
	return 1
`

// Add 新增规则，ID 重复时覆盖 (旧索引一并清掉)
func (s *RedisStore) Add(ctx context.Context, rule Rule) error {
	if err := rule.Normalize(time.Now().UTC()); err != nil {
		return err
	}
	data, err := json.Marshal(rule)
	if err != nil {
		return err
	}
	err = s.client.Eval(ctx, luaAdd,
		[]string{detailKey(rule.ID), indexKey(rule.Metric, rule.Direction), idsKey},
		rule.ID, strconv.FormatFloat(rule.Threshold, 'f', -1, 64), data, string(rule.Type)).Err()
	if err != nil {
		return errs.Upstream("redis add alert %s: %v", rule.ID, err)
	}
	return nil
}

// luaRemove 删除规则
// KEYS[1]: detailKey
// KEYS[2]: idsKey
// ARGV[1]: id
const luaRemove = `
	local data = redis.call('GET', KEYS[1])
	if not data then return 0 end

	local rule = cjson.decode(data)
	local index = string.format("alerts:%s:%s", rule["metric"], rule["direction"])

	redis.call('ZREM', index, ARGV[1] .. ":" .. rule["type"])
	redis.call('DEL', KEYS[1])
	redis.call('SREM', KEYS[2], ARGV[1])
	return 1
`

// Remove 删除规则
func (s *RedisStore) Remove(ctx context.Context, id string) error {
	n, err := s.client.Eval(ctx, luaRemove, []string{detailKey(id), idsKey}, id).Int()
	if err != nil {
		return errs.Upstream("redis remove alert %s: %v", id, err)
	}
	if n == 0 {
		return fmt.Errorf("alert %s: %w", id, errs.ErrNotFound)
	}
	return nil
}

// List 全部规则
func (s *RedisStore) List(ctx context.Context) ([]Rule, error) {
	ids, err := s.client.SMembers(ctx, idsKey).Result()
	if err != nil {
		return nil, errs.Upstream("redis list alerts: %v", err)
	}
	rules, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	sortRules(rules)
	return rules, nil
}

// load 批量读取规则详情，缺失的 (并发删除) 直接跳过
func (s *RedisStore) load(ctx context.Context, ids []string) ([]Rule, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = detailKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errs.Upstream("redis load alerts: %v", err)
	}
	rules := make([]Rule, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var r Rule
		if err := json.Unmarshal([]byte(str), &r); err != nil {
			return nil, fmt.Errorf("decode alert: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// Triggered 获取穿越阈值的规则
//
// 上涨查 (last, current]，下跌查 [current, last)，用 "(" 表示开区间。
// Once 规则在扫描结束后统一删除 (边扫边删会让分页偏移错位)
func (s *RedisStore) Triggered(ctx context.Context, metric string, current, last float64, now time.Time) ([]Rule, error) {
	var (
		direction Direction
		min, max  string
	)
	switch {
	case current > last:
		direction = High
		min = "(" + strconv.FormatFloat(last, 'f', -1, 64)
		max = strconv.FormatFloat(current, 'f', -1, 64)
	case current < last:
		direction = Low
		min = strconv.FormatFloat(current, 'f', -1, 64)
		max = "(" + strconv.FormatFloat(last, 'f', -1, 64)
	default:
		return nil, nil
	}
	index := indexKey(metric, direction)

	var (
		ids  []string
		once []string
	)
	for offset := int64(0); ; offset += redisBatchSize {
		members, err := s.client.ZRangeByScore(ctx, index, &redis.ZRangeBy{
			Min:    min,
			Max:    max,
			Offset: offset,
			Count:  redisBatchSize,
		}).Result()
		if err != nil {
			return nil, errs.Upstream("redis scan alerts: %v", err)
		}
		if len(members) == 0 {
			break
		}

		for _, member := range members {
			id, typ, found := strings.Cut(member, ":")
			if !found {
				continue
			}
			ok, err := s.allow(ctx, id, Type(typ), now)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			if Type(typ) == Once {
				once = append(once, id)
			}
			ids = append(ids, id)
		}
	}

	loaded, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	// Once 规则谁删成功谁触发，多实例下不会重复通知
	lost := make(map[string]bool)
	for _, id := range once {
		if err := s.Remove(ctx, id); err != nil {
			if !errors.Is(err, errs.ErrNotFound) {
				return nil, err
			}
			lost[id] = true
		}
	}
	rules := loaded[:0]
	for _, r := range loaded {
		if lost[r.ID] {
			continue
		}
		r.LastTriggeredAt = now
		rules = append(rules, r)
	}
	sortRules(rules)
	return rules, nil
}

// allow 按类型检查是否允许触发
func (s *RedisStore) allow(ctx context.Context, id string, typ Type, now time.Time) (bool, error) {
	var (
		key string
		ttl time.Duration
	)
	switch typ {
	case Once:
		return true, nil
	case Always:
		// SetNX: Key 不存在则设置成功，存在说明还在冷却
		key, ttl = "alert:cooldown:"+id, s.cooldown
	case Daily:
		key, ttl = "alert:daily:"+id+":"+now.UTC().Format("20060102"), 25*time.Hour
	default:
		return false, nil
	}
	ok, err := s.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, errs.Upstream("redis alert lock %s: %v", id, err)
	}
	return ok, nil
}
