// Command rilld boots a single consensus core instance from a genesis
// configuration and, if given a block stream file, applies it in order.
//
// Usage: go run ./cmd/rilld -network regtest -blocks blocks.json
//
// It exists only to exercise internal/chain end-to-end the way the
// klingnet-chain project used cmd/testnet to exercise its own chain
// package: there is no RPC, P2P, or wallet surface here, since those are
// out of scope for a consensus core (config.Genesis has no node-runtime
// fields for exactly this reason).
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/rillcoin/rillcoin/config"
	"github.com/rillcoin/rillcoin/internal/chain"
	"github.com/rillcoin/rillcoin/internal/consensus"
	"github.com/rillcoin/rillcoin/internal/log"
	"github.com/rillcoin/rillcoin/internal/storage"
	"github.com/rillcoin/rillcoin/pkg/block"
	"github.com/rs/zerolog"
)

func main() {
	network := flag.String("network", "regtest", "network to boot: mainnet, testnet, or regtest")
	dbPath := flag.String("db", "", "badger database directory (empty uses an in-memory store)")
	blocksPath := flag.String("blocks", "", "path to a JSON array of blocks to apply in order")
	difficulty := flag.Uint64("difficulty", 1, "initial PoW difficulty for a fresh chain")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	if err := log.Init(*logLevel, false, ""); err != nil {
		fmt.Fprintf(os.Stderr, "rilld: init logging: %v\n", err)
		os.Exit(1)
	}
	logger := log.WithComponent("rilld")

	if err := run(*network, *dbPath, *blocksPath, *difficulty, logger); err != nil {
		logger.Fatal().Err(err).Msg("rilld exited with error")
	}
}

func run(network, dbPath, blocksPath string, difficulty uint64, logger zerolog.Logger) error {
	var net config.NetworkType
	switch network {
	case string(config.Mainnet):
		net = config.Mainnet
	case string(config.Testnet):
		net = config.Testnet
	case string(config.Regtest):
		net = config.Regtest
	default:
		return fmt.Errorf("unknown network %q (want mainnet, testnet, or regtest)", network)
	}
	gen := config.GenesisFor(net)

	db, closeDB, err := openStore(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeDB()

	pow, err := consensus.NewPoW(difficulty, 0, config.BlockTimeTarget)
	if err != nil {
		return fmt.Errorf("create pow engine: %w", err)
	}

	c, err := chain.New(db, pow)
	if err != nil {
		return fmt.Errorf("create chain: %w", err)
	}

	if c.State().IsGenesis() {
		if err := c.InitFromGenesis(gen); err != nil {
			return fmt.Errorf("init genesis: %w", err)
		}
		logger.Info().
			Str("network", network).
			Uint64("premine", gen.TotalPremine()/config.Coin).
			Msg("genesis initialized")
	} else {
		logger.Info().
			Uint64("height", c.Height()).
			Str("tip", c.TipHash().String()).
			Msg("resumed existing chain")
	}

	if blocksPath != "" {
		if err := applyBlockStream(c, blocksPath, logger); err != nil {
			return fmt.Errorf("apply block stream: %w", err)
		}
	}

	logger.Info().
		Uint64("height", c.Height()).
		Str("tip", c.TipHash().String()).
		Uint64("supply", c.TotalCirculating()/config.Coin).
		Msg("final chain state")
	return nil
}

// openStore returns a badger-backed store at path, or an in-memory store
// when path is empty. The returned close func is always safe to call.
func openStore(path string) (storage.DB, func(), error) {
	if path == "" {
		return storage.NewMemory(), func() {}, nil
	}
	db, err := storage.NewBadger(path)
	if err != nil {
		return nil, nil, err
	}
	return db, func() { db.Close() }, nil
}

// applyBlockStream reads a JSON array of blocks from path and applies each
// one to c in order via ProcessBlock, for manual smoke-testing of the
// consensus core against a pre-built block sequence.
func applyBlockStream(c *chain.Chain, path string, logger zerolog.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	var blocks []*block.Block
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("decode block stream: %w", err)
	}

	for i, blk := range blocks {
		if err := c.ProcessBlock(blk); err != nil {
			if errors.Is(err, chain.ErrBlockKnown) {
				logger.Warn().Int("index", i).Uint64("height", blk.Header.Height).Msg("block already applied, skipping")
				continue
			}
			return fmt.Errorf("block %d (height %d): %w", i, blk.Header.Height, err)
		}
		logger.Info().
			Uint64("height", blk.Header.Height).
			Str("hash", blk.Hash().String()).
			Int("txs", len(blk.Transactions)).
			Msg("block applied")
	}
	return nil
}
