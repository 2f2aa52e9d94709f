package config

// Params bundles the values that vary per network but are not, unlike the
// constants in config.go, part of the hard consensus rule set: which
// genesis a chain instance boots from, and which address HRP it displays.
// An embedder picks a Params by network and passes its Genesis to
// chain.New; there is no other runtime configuration surface (no P2P,
// RPC, or wallet config — those are non-goals of the consensus core).
type Params struct {
	Network NetworkType
	Genesis *Genesis
}

// DefaultMainnet returns RillCoin's mainnet parameters.
func DefaultMainnet() *Params {
	return &Params{Network: Mainnet, Genesis: MainnetGenesis()}
}

// DefaultTestnet returns RillCoin's testnet parameters.
func DefaultTestnet() *Params {
	return &Params{Network: Testnet, Genesis: TestnetGenesis()}
}

// DefaultRegtest returns parameters for local, single-node testing.
func DefaultRegtest() *Params {
	return &Params{Network: Regtest, Genesis: RegtestGenesis()}
}

// Default returns the default parameters for the given network.
func Default(network NetworkType) *Params {
	switch network {
	case Testnet:
		return DefaultTestnet()
	case Regtest:
		return DefaultRegtest()
	default:
		return DefaultMainnet()
	}
}
