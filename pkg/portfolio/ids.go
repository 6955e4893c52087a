// 文件: pkg/portfolio/ids.go
// 仓位 ID 生成器
// 使用开源库: github.com/bwmarrin/snowflake
//
// 仓位 ID 用雪花算法：趋势递增、可按时间排序，多实例部署时用不同 nodeID 区分

package portfolio

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	node     *snowflake.Node
	initOnce sync.Once
	initErr  error
)

// InitSnowflake 初始化雪花算法
// nodeID: 节点ID (0-1023)，只有第一次调用生效
func InitSnowflake(nodeID int64) error {
	initOnce.Do(func() {
		node, initErr = snowflake.NewNode(nodeID)
	})
	return initErr
}

// NewPositionID 生成仓位ID
func NewPositionID() string {
	if node == nil {
		// 未初始化则使用默认节点0
		_ = InitSnowflake(0)
	}
	return node.Generate().String()
}
