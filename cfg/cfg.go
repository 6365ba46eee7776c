// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package cfg builds per-function basic-block control-flow graphs and
// detects natural loops over them.
package cfg

import (
	"context"
	"sort"
	"strings"

	"github.com/coredump-labs/winpe/disasm"
	"github.com/coredump-labs/winpe/xref"
)

// BasicBlock is a contiguous run of instructions with a single entry and a
// set of successor/predecessor blocks, identified by dense 0-based ids.
type BasicBlock struct {
	ID           int
	StartAddr    uint64
	EndAddr      uint64
	Instructions []disasm.Instruction
	Succs        []int
	Preds        []int
}

// Loop is a natural loop: a back edge into headerAddr from backEdgeFromAddr,
// with a nesting depth relative to other loops in the same function.
type Loop struct {
	HeaderAddr       uint64
	BackEdgeFromAddr uint64
	Depth            int
}

// Build decomposes fn's instruction range into basic blocks, linking
// successors and predecessors using xrefs and fallthrough. insts must cover
// fn's full address range; xrefs is the whole-stream xref map.
func Build(fn disasm.DisasmFunction, insts []disasm.Instruction, xrefs map[uint64][]xref.Xref) []BasicBlock {
	start := fn.Address
	end := fn.Address + fn.Size

	fnInsts := make([]disasm.Instruction, 0, len(insts))
	for _, in := range insts {
		if in.Address >= start && in.Address < end {
			fnInsts = append(fnInsts, in)
		}
	}
	sort.Slice(fnInsts, func(i, j int) bool { return fnInsts[i].Address < fnInsts[j].Address })
	if len(fnInsts) == 0 {
		return nil
	}

	indexByAddr := make(map[uint64]int, len(fnInsts))
	for i, in := range fnInsts {
		indexByAddr[in.Address] = i
	}

	leaders := map[uint64]struct{}{fnInsts[0].Address: {}}
	for i, in := range fnInsts {
		mnemonic := in.Mnemonic
		if isUnconditionalJump(mnemonic) || isConditionalBranch(mnemonic) {
			if target, ok := directTarget(in); ok {
				if _, inFn := indexByAddr[target]; inFn {
					leaders[target] = struct{}{}
				}
			}
		}
		if isUnconditionalJump(mnemonic) || isConditionalBranch(mnemonic) || isReturn(mnemonic) {
			if i+1 < len(fnInsts) {
				leaders[fnInsts[i+1].Address] = struct{}{}
			}
		}
	}
	for to, refs := range xrefs {
		if _, inFn := indexByAddr[to]; !inFn {
			continue
		}
		for _, r := range refs {
			if r.Type == xref.Branch || r.Type == xref.Jmp {
				leaders[to] = struct{}{}
			}
		}
	}

	sortedLeaders := make([]uint64, 0, len(leaders))
	for addr := range leaders {
		sortedLeaders = append(sortedLeaders, addr)
	}
	sort.Slice(sortedLeaders, func(i, j int) bool { return sortedLeaders[i] < sortedLeaders[j] })

	blockOf := make(map[uint64]int, len(sortedLeaders))
	blocks := make([]BasicBlock, len(sortedLeaders))
	for id, addr := range sortedLeaders {
		blockOf[addr] = id
	}

	for id, addr := range sortedLeaders {
		from := indexByAddr[addr]
		to := len(fnInsts)
		if id+1 < len(sortedLeaders) {
			to = indexByAddr[sortedLeaders[id+1]]
		}
		members := fnInsts[from:to]
		blocks[id] = BasicBlock{
			ID:           id,
			StartAddr:    members[0].Address,
			EndAddr:      members[len(members)-1].Address + uint64(members[len(members)-1].Size),
			Instructions: members,
		}
	}

	for id := range blocks {
		last := blocks[id].Instructions[len(blocks[id].Instructions)-1]
		mnemonic := last.Mnemonic

		switch {
		case isReturn(mnemonic):
			// No successors.
		case isUnconditionalJump(mnemonic):
			if target, ok := directTarget(last); ok {
				if succID, known := blockOf[target]; known {
					blocks[id].Succs = append(blocks[id].Succs, succID)
				}
			}
		case isConditionalBranch(mnemonic):
			if target, ok := directTarget(last); ok {
				if succID, known := blockOf[target]; known {
					blocks[id].Succs = append(blocks[id].Succs, succID)
				}
			}
			if fallID, known := blockOf[blocks[id].EndAddr]; known {
				blocks[id].Succs = append(blocks[id].Succs, fallID)
			}
		default:
			if fallID, known := blockOf[blocks[id].EndAddr]; known {
				blocks[id].Succs = append(blocks[id].Succs, fallID)
			}
		}
	}

	for id := range blocks {
		for _, succ := range blocks[id].Succs {
			blocks[succ].Preds = append(blocks[succ].Preds, id)
		}
	}

	return blocks
}

// DetectLoops finds back edges via a BFS layering from block 0 and reports
// each distinct loop header with a containment-based nesting depth.
func DetectLoops(ctx context.Context, blocks []BasicBlock) []Loop {
	if len(blocks) == 0 {
		return nil
	}

	layer := make([]int, len(blocks))
	for i := range layer {
		layer[i] = -1
	}
	layer[0] = 0
	queue := []int{0}
	for len(queue) > 0 {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		cur := queue[0]
		queue = queue[1:]
		for _, succ := range blocks[cur].Succs {
			if layer[succ] == -1 {
				layer[succ] = layer[cur] + 1
				queue = append(queue, succ)
			}
		}
	}

	type rawLoop struct {
		headerAddr       uint64
		backEdgeFromAddr uint64
	}
	seen := make(map[uint64]rawLoop)
	var order []uint64
	for _, b := range blocks {
		if layer[b.ID] == -1 {
			continue
		}
		for _, succ := range b.Succs {
			if layer[succ] == -1 || layer[succ] > layer[b.ID] {
				continue
			}
			header := blocks[succ].StartAddr
			if _, ok := seen[header]; !ok {
				order = append(order, header)
			}
			seen[header] = rawLoop{headerAddr: header, backEdgeFromAddr: b.EndAddr}
		}
	}

	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	loops := make([]Loop, 0, len(order))
	for _, h := range order {
		rl := seen[h]
		loops = append(loops, Loop{HeaderAddr: rl.headerAddr, BackEdgeFromAddr: rl.backEdgeFromAddr})
	}
	for i := range loops {
		depth := 0
		for j := range loops {
			if i == j {
				continue
			}
			if loops[i].HeaderAddr >= loops[j].HeaderAddr && loops[i].HeaderAddr < loops[j].BackEdgeFromAddr {
				depth++
			}
		}
		loops[i].Depth = depth
	}

	return loops
}

func isReturn(mnemonic string) bool {
	return mnemonic == "ret" || mnemonic == "retn"
}

func isUnconditionalJump(mnemonic string) bool {
	return mnemonic == "jmp"
}

func isConditionalBranch(mnemonic string) bool {
	return strings.HasPrefix(mnemonic, "j") && mnemonic != "jmp"
}

// directTarget parses a bare hex-literal operand as an absolute target.
func directTarget(inst disasm.Instruction) (uint64, bool) {
	operand := strings.TrimSpace(inst.Operands)
	if !strings.HasPrefix(operand, "0x") || strings.ContainsAny(operand, " ,()%") {
		return 0, false
	}
	var v uint64
	for _, c := range operand[2:] {
		d, ok := hexDigit(c)
		if !ok {
			return 0, false
		}
		v = v*16 + uint64(d)
	}
	return v, true
}

func hexDigit(c rune) (int, bool) {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0'), true
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10, true
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10, true
	default:
		return 0, false
	}
}
