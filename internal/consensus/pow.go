package consensus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/rillcoin/rillcoin/pkg/block"
	"github.com/rillcoin/rillcoin/pkg/crypto"
)

// PoW errors.
var (
	ErrInsufficientWork = errors.New("hash does not meet difficulty target")
	ErrZeroDifficulty   = errors.New("difficulty must be > 0")
	ErrBadDifficulty    = errors.New("block difficulty does not match expected")
)

// maxUint256 is 2^256 - 1.
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// PoW implements proof-of-work consensus.
// Difficulty is stored in the block header (consensus-enforced).
// The engine itself holds no mutable state â€” all difficulty is derived
// from the chain and encoded in each block.
type PoW struct {
	InitialDifficulty uint64 // Starting difficulty (from genesis/registration)
	AdjustInterval    int    // Boundary interval reported by ShouldAdjust (0 = never); ExpectedDifficulty retargets every block regardless
	TargetBlockTime   int    // Target seconds between blocks

	// DifficultyFn is called by Prepare to compute the expected difficulty
	// for a new block. Set by the code that embeds the engine. If nil, Prepare
	// uses InitialDifficulty.
	DifficultyFn func(height uint64) uint64

	// Threads controls the number of parallel mining goroutines.
	// 0 or 1 = single-threaded (default). Each goroutine searches a
	// strided partition of the nonce space.
	Threads int
}

// NewPoW creates a new PoW engine.
func NewPoW(difficulty uint64, adjustInterval, targetBlockTime int) (*PoW, error) {
	if difficulty == 0 {
		return nil, ErrZeroDifficulty
	}
	return &PoW{
		InitialDifficulty: difficulty,
		AdjustInterval:    adjustInterval,
		TargetBlockTime:   targetBlockTime,
	}, nil
}

// ShouldAdjust returns true if difficulty should be recalculated at this height.
func (p *PoW) ShouldAdjust(height uint64) bool {
	return height > 0 && p.AdjustInterval > 0 && height%uint64(p.AdjustInterval) == 0
}

// target returns MaxUint256 / difficulty as a 256-bit big.Int.
func target(difficulty uint64) *big.Int {
	d := new(big.Int).SetUint64(difficulty)
	return new(big.Int).Div(maxUint256, d)
}

// VerifyHeader checks that the block header hash meets the stated difficulty.
// The difficulty value comes from the header itself (consensus-enforced).
func (p *PoW) VerifyHeader(header *block.Header) error {
	if header.Difficulty == 0 {
		return ErrZeroDifficulty
	}
	t := target(header.Difficulty)
	hash := header.Hash()
	hashInt := new(big.Int).SetBytes(hash[:])
	if hashInt.Cmp(t) > 0 {
		return ErrInsufficientWork
	}
	return nil
}

// Prepare sets the block header's difficulty for mining.
// If DifficultyFn is set, it computes the expected difficulty from chain state.
// Otherwise, uses InitialDifficulty.
func (p *PoW) Prepare(header *block.Header) error {
	if p.DifficultyFn != nil {
		header.Difficulty = p.DifficultyFn(header.Height)
	} else {
		header.Difficulty = p.InitialDifficulty
	}
	return nil
}

// Seal mines the block by iterating the nonce until the header hash meets the target.
// Uses the difficulty already set in the block header.
// If Threads > 1, mining runs in parallel goroutines.
func (p *PoW) Seal(blk *block.Block) error {
	return p.SealWithCancel(context.Background(), blk)
}

// SealWithCancel mines the block with cancellation support.
// When the context is cancelled, mining stops and ctx.Err() is returned.
// If Threads > 1, mining runs in parallel goroutines with strided nonce partitioning.
func (p *PoW) SealWithCancel(ctx context.Context, blk *block.Block) error {
	if blk == nil || blk.Header == nil {
		return fmt.Errorf("nil block or header")
	}
	if blk.Header.Difficulty == 0 {
		return ErrZeroDifficulty
	}

	threads := p.Threads
	if threads <= 1 {
		return p.sealSingle(ctx, blk)
	}
	return p.sealParallel(ctx, blk, threads)
}

// signingPrefix returns the header's signing bytes WITHOUT the trailing nonce.
// This lets each mining goroutine pre-compute the 92-byte prefix once and only
// append+hash the 8-byte nonce per iteration.
func signingPrefix(h *block.Header) []byte {
	buf := make([]byte, 0, 92)
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = append(buf, h.PrevHash[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.Timestamp)
	buf = binary.LittleEndian.AppendUint64(buf, h.Height)
	buf = binary.LittleEndian.AppendUint64(buf, h.Difficulty)
	return buf
}

// sealSingle mines with a single goroutine.
func (p *PoW) sealSingle(ctx context.Context, blk *block.Block) error {
	t := target(blk.Header.Difficulty)
	prefix := signingPrefix(blk.Header)
	buf := make([]byte, len(prefix)+8)
	copy(buf, prefix)
	hashInt := new(big.Int)

	for nonce := uint64(0); ; nonce++ {
		// Check cancellation every 65536 iterations.
		if nonce&0xFFFF == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}

		binary.LittleEndian.PutUint64(buf[len(prefix):], nonce)
		hash := crypto.PoWHash(buf)
		hashInt.SetBytes(hash[:])
		if hashInt.Cmp(t) <= 0 {
			blk.Header.Nonce = nonce
			return nil
		}
		if nonce == ^uint64(0) {
			return fmt.Errorf("nonce space exhausted")
		}
	}
}

// sealParallel mines with multiple goroutines, each searching a strided
// partition of the nonce space (goroutine i starts at nonce=i, step=threads).
func (p *PoW) sealParallel(ctx context.Context, blk *block.Block, threads int) error {
	t := target(blk.Header.Difficulty)
	prefix := signingPrefix(blk.Header)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		nonce uint64
		err   error
	}
	found := make(chan result, 1)

	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		wg.Add(1)
		startNonce := uint64(i)
		stride := uint64(threads)
		go func() {
			defer wg.Done()
			buf := make([]byte, len(prefix)+8)
			copy(buf, prefix)
			hashInt := new(big.Int)

			for nonce := startNonce; ; nonce += stride {
				// Check cancellation every ~65536 iterations per goroutine.
				if (nonce/stride)&0xFFFF == 0 && nonce > 0 {
					select {
					case <-ctx.Done():
						return
					default:
					}
				}

				binary.LittleEndian.PutUint64(buf[len(prefix):], nonce)
				hash := crypto.PoWHash(buf)
				hashInt.SetBytes(hash[:])
				if hashInt.Cmp(t) <= 0 {
					select {
					case found <- result{nonce: nonce}:
					default:
					}
					cancel()
					return
				}

				// Overflow: would wrap around past max uint64.
				if nonce > ^uint64(0)-stride {
					select {
					case found <- result{err: fmt.Errorf("nonce space exhausted")}:
					default:
					}
					return
				}
			}
		}()
	}

	// Wait in background so goroutines are cleaned up.
	go func() {
		wg.Wait()
		close(found)
	}()

	select {
	case r, ok := <-found:
		if !ok {
			return fmt.Errorf("nonce space exhausted")
		}
		if r.err != nil {
			return r.err
		}
		blk.Header.Nonce = r.nonce
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LWMAWindow is the number of preceding blocks averaged by the linearly
// weighted moving average retarget. Every block after genesis is
// retargeted against this trailing window; there is no fixed adjustment
// interval.
const LWMAWindow = 60

// DifficultySample is one retarget window entry: a block's timestamp and
// the difficulty it was mined at.
type DifficultySample struct {
	Timestamp  uint64
	Difficulty uint64
}

// ExpectedDifficulty computes the correct difficulty for a block at the
// given height from the trailing LWMAWindow of prior blocks. samples must
// be ordered oldest-to-newest and contain the block immediately preceding
// height plus up to LWMAWindow blocks before it (fewer are accepted near
// genesis). prevDifficulty is the difficulty of the immediately preceding
// block, used both as the carry-forward value and the clamp anchor.
func (p *PoW) ExpectedDifficulty(height uint64, prevDifficulty uint64, samples []DifficultySample) uint64 {
	if height <= 1 || prevDifficulty == 0 {
		return p.InitialDifficulty
	}
	if len(samples) < 2 {
		return prevDifficulty
	}
	return CalcNextDifficultyLWMA(samples, prevDifficulty, int64(p.TargetBlockTime))
}

// VerifyDifficulty checks that a block header's stated difficulty matches
// the expected difficulty computed from chain history.
func (p *PoW) VerifyDifficulty(header *block.Header, prevDifficulty uint64, samples []DifficultySample) error {
	expected := p.ExpectedDifficulty(header.Height, prevDifficulty, samples)
	if header.Difficulty != expected {
		return fmt.Errorf("%w: height %d has difficulty %d, want %d",
			ErrBadDifficulty, header.Height, header.Difficulty, expected)
	}
	return nil
}

// CalcNextDifficulty is retained as the retarget entry point for callers
// that already hold a materialized sample window; it dispatches to the
// LWMA algorithm and clamps the result to [prevDifficulty/3, prevDifficulty*3].
func CalcNextDifficulty(samples []DifficultySample, prevDifficulty uint64, targetBlockTime int64) uint64 {
	return CalcNextDifficultyLWMA(samples, prevDifficulty, targetBlockTime)
}

// CalcNextDifficultyLWMA implements a linearly weighted moving average
// retarget over samples (oldest-to-newest, length N >= 2). Each solve time
// is weighted by its recency (the most recent block carries weight N-1)
// so the retarget reacts quickly to hashrate changes while damping noise
// from any single outlier block. Solve times are clamped to
// [1, 6*targetBlockTime] before weighting so a stalled or rushed block
// cannot dominate the average. The final result is clamped to
// [prevDifficulty/3, prevDifficulty*3] and floored at 1.
func CalcNextDifficultyLWMA(samples []DifficultySample, prevDifficulty uint64, targetBlockTime int64) uint64 {
	if prevDifficulty == 0 {
		prevDifficulty = 1
	}
	if targetBlockTime <= 0 {
		targetBlockTime = 1
	}
	n := len(samples)
	if n < 2 {
		return prevDifficulty
	}
	if n > LWMAWindow+1 {
		samples = samples[n-(LWMAWindow+1):]
		n = len(samples)
	}

	maxSolve := 6 * targetBlockTime
	weightedSum := big.NewInt(0)
	difficultySum := new(big.Int)
	weight := int64(0)

	for i := 1; i < n; i++ {
		weight++
		solveTime := int64(samples[i].Timestamp) - int64(samples[i-1].Timestamp)
		if solveTime < 1 {
			solveTime = 1
		}
		if solveTime > maxSolve {
			solveTime = maxSolve
		}
		weightedSum.Add(weightedSum, big.NewInt(solveTime*weight))
		difficultySum.Add(difficultySum, new(big.Int).SetUint64(samples[i].Difficulty))
	}
	if weightedSum.Sign() <= 0 {
		weightedSum.SetInt64(1)
	}

	// With W = weight solve times:
	// next = (sum of difficulties / W) * (targetBlockTime * W*(W+1)/2) / weightedSum
	k := new(big.Int).SetInt64(targetBlockTime * weight * (weight + 1) / 2)
	next := new(big.Int).Mul(difficultySum, k)
	next.Div(next, new(big.Int).Mul(weightedSum, big.NewInt(weight)))

	minDiff := prevDifficulty / 3
	if minDiff < 1 {
		minDiff = 1
	}
	maxDiff := prevDifficulty * 3

	if next.Sign() <= 0 || !next.IsUint64() {
		return minDiff
	}
	d := next.Uint64()
	if d < minDiff {
		d = minDiff
	}
	if d > maxDiff {
		d = maxDiff
	}
	if d < 1 {
		d = 1
	}
	return d
}
