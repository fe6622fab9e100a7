// Package snowflake hands out 64-bit ids that sort by creation time per node.
package snowflake

import (
	"fmt"
	"sync"
	"time"
)

const (
	nodeBits        = 10
	stepBits        = 12
	nodeMax         = -1 ^ (-1 << nodeBits)
	stepMask        = -1 ^ (-1 << stepBits)
	timeShift       = nodeBits + stepBits
	nodeShift       = stepBits
	epoch     int64 = 1704067200000 // 2024-01-01 00:00:00 UTC
)

type Node struct {
	mu   sync.Mutex
	time int64
	node int64
	step int64
	now  func() int64
}

func NewNode(node int64) (*Node, error) {
	if node < 0 || node > nodeMax {
		return nil, fmt.Errorf("node number must be between 0 and %d, got %d", nodeMax, node)
	}
	return &Node{
		node: node,
		now:  func() int64 { return time.Now().UnixMilli() },
	}, nil
}

func (n *Node) Generate() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()

	// Clock moved backwards: keep issuing from the last seen millisecond.
	if now < n.time {
		now = n.time
	}

	if n.time == now {
		n.step = (n.step + 1) & stepMask
		if n.step == 0 {
			for now <= n.time {
				now = n.now()
			}
		}
	} else {
		n.step = 0
	}

	n.time = now

	return ((now - epoch) << timeShift) | (n.node << nodeShift) | n.step
}

// Time extracts the millisecond timestamp encoded in id.
func Time(id int64) time.Time {
	return time.UnixMilli((id >> timeShift) + epoch).UTC()
}

// NodeOf extracts the node number encoded in id.
func NodeOf(id int64) int64 {
	return (id >> nodeShift) & nodeMax
}
