// 文件: pkg/market/redis_source.go
// 基于 Redis 的行情源
//
// 【数据布局】
// - price:{SYMBOL} 是一个 Hash: price=最新价, ts=毫秒时间戳
// - 外部行情网关负责写入，本服务只读
// - 写入走 Lua 脚本，只接受时间戳更新的报价 (乱序到达的旧报价被忽略)

package market

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"valuation.com/pkg/errs"
)

// 确保实现了接口
var _ PriceSource = (*RedisSource)(nil)

const redisPriceKeyPrefix = "price:"

// RedisSource Redis 行情源
type RedisSource struct {
	client *redis.Client

	// maxAge: 报价最大有效期，0 表示不检查
	maxAge time.Duration
}

// NewRedisSource 创建 Redis 行情源
func NewRedisSource(addr string, maxAge time.Duration) *RedisSource {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	return &RedisSource{client: rdb, maxAge: maxAge}
}

// NewRedisSourceWithClient 复用已有连接
func NewRedisSourceWithClient(rdb *redis.Client, maxAge time.Duration) *RedisSource {
	return &RedisSource{client: rdb, maxAge: maxAge}
}

// Ping 检查连接
func (s *RedisSource) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close 关闭连接
func (s *RedisSource) Close() error {
	return s.client.Close()
}

// luaSetPrice 写入报价脚本
// KEYS[1]: price:{symbol}
// ARGV[1]: price
// ARGV[2]: ts (毫秒)
const luaSetPrice = `
	local cur = redis.call('HGET', KEYS[1], 'ts')
	if cur and tonumber(cur) > tonumber(ARGV[2]) then
		return 0
	end
	redis.call('HSET', KEYS[1], 'price', ARGV[1], 'ts', ARGV[2])
	return 1
`

// SetPrice 写入报价，返回是否被接受
func (s *RedisSource) SetPrice(ctx context.Context, symbol string, price float64, ts time.Time) (bool, error) {
	if err := ValidatePrice(price); err != nil {
		return false, err
	}
	key := redisPriceKeyPrefix + normalize(symbol)
	n, err := s.client.Eval(ctx, luaSetPrice, []string{key},
		strconv.FormatFloat(price, 'f', -1, 64), ts.UnixMilli()).Int()
	if err != nil {
		return false, errs.Upstream("redis set %s: %v", symbol, err)
	}
	return n == 1, nil
}

// FetchPrice 实现 PriceSource
func (s *RedisSource) FetchPrice(ctx context.Context, symbol string) (float64, error) {
	key := redisPriceKeyPrefix + normalize(symbol)
	vals, err := s.client.HMGet(ctx, key, "price", "ts").Result()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return 0, errs.FromContext(ctx)
		}
		return 0, errs.Upstream("redis get %s: %v", symbol, err)
	}
	if len(vals) != 2 || vals[0] == nil {
		return 0, errs.Upstream("no price for %s", symbol)
	}

	raw, _ := vals[0].(string)
	price, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errs.Upstream("bad price for %s: %q", symbol, raw)
	}

	if s.maxAge > 0 && vals[1] != nil {
		rawTs, _ := vals[1].(string)
		ms, err := strconv.ParseInt(rawTs, 10, 64)
		if err == nil && time.Since(time.UnixMilli(ms)) > s.maxAge {
			return 0, errs.Upstream("price for %s is older than %v", symbol, s.maxAge)
		}
	}
	return price, nil
}
