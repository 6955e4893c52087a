package portfolio

import (
	"strings"

	"valuation.com/pkg/instrument"
	"valuation.com/pkg/market"
)

// state 聚合器持有的全部可变状态
//
// 只有 Engine 在写锁内修改它；其他人拿到的都是 clone() 出来的拷贝。
// instruments / bySymbol 采用写时复制：注册/删除合约时整体替换 map，
// 所以拷贝可以共享同一个 map 而不用逐项复制。
type state struct {
	instruments map[string]instrument.Instrument // id -> 合约
	bySymbol    map[string]string                // symbol -> id
	positions   []Position                       // 插入顺序
	mkt         market.Context
}

func newState(mkt market.Context) state {
	return state{
		instruments: make(map[string]instrument.Instrument),
		bySymbol:    make(map[string]string),
		mkt:         mkt,
	}
}

// clone 拷贝出一份只读视图
func (s *state) clone() state {
	out := state{
		instruments: s.instruments,
		bySymbol:    s.bySymbol,
		positions:   make([]Position, 0, len(s.positions)),
		mkt:         s.mkt.Clone(),
	}
	for _, p := range s.positions {
		if p.Quantity != 0 {
			out.positions = append(out.positions, p)
		}
	}
	return out
}

// lookup 先按 ID 再按 symbol 查找合约
func (s *state) lookup(ref string) (instrument.Instrument, bool) {
	if inst, ok := s.instruments[ref]; ok {
		return inst, true
	}
	if id, ok := s.bySymbol[strings.ToUpper(strings.TrimSpace(ref))]; ok {
		inst, ok := s.instruments[id]
		return inst, ok
	}
	return instrument.Instrument{}, false
}

// putInstrument 写时复制地加入合约
func (s *state) putInstrument(inst instrument.Instrument) {
	instruments := make(map[string]instrument.Instrument, len(s.instruments)+1)
	for k, v := range s.instruments {
		instruments[k] = v
	}
	bySymbol := make(map[string]string, len(s.bySymbol)+1)
	for k, v := range s.bySymbol {
		bySymbol[k] = v
	}
	instruments[inst.ID] = inst
	bySymbol[inst.Symbol] = inst.ID
	s.instruments, s.bySymbol = instruments, bySymbol
}

// deleteInstrument 写时复制地删除合约
func (s *state) deleteInstrument(inst instrument.Instrument) {
	instruments := make(map[string]instrument.Instrument, len(s.instruments))
	for k, v := range s.instruments {
		if k != inst.ID {
			instruments[k] = v
		}
	}
	bySymbol := make(map[string]string, len(s.bySymbol))
	for k, v := range s.bySymbol {
		if k != inst.Symbol {
			bySymbol[k] = v
		}
	}
	s.instruments, s.bySymbol = instruments, bySymbol
}

// findPosition 返回非零仓位的下标，不存在返回 -1
func (s *state) findPosition(id string) int {
	for i, p := range s.positions {
		if p.ID == id && p.Quantity != 0 {
			return i
		}
	}
	return -1
}

// openPositions 某合约的非零仓位个数
func (s *state) openPositions(instrumentID string) int {
	n := 0
	for _, p := range s.positions {
		if p.InstrumentID == instrumentID && p.Quantity != 0 {
			n++
		}
	}
	return n
}

// prune 清理数量为 0 的仓位
func (s *state) prune() {
	kept := s.positions[:0]
	for _, p := range s.positions {
		if p.Quantity != 0 {
			kept = append(kept, p)
		}
	}
	// 清掉尾部引用
	for i := len(kept); i < len(s.positions); i++ {
		s.positions[i] = Position{}
	}
	s.positions = kept
}
