package config

import "fmt"

// Validate checks a set of network parameters for internal consistency:
// that the network and its genesis agree, and that the genesis itself is
// well formed. Embedders call this once at startup before handing the
// genesis to chain.New.
func Validate(p *Params) error {
	if p == nil {
		return fmt.Errorf("config: params is nil")
	}
	if p.Genesis == nil {
		return fmt.Errorf("config: params.Genesis is nil")
	}
	if p.Genesis.Network != p.Network {
		return fmt.Errorf("config: params network %q does not match genesis network %q",
			p.Network, p.Genesis.Network)
	}
	if err := p.Genesis.Validate(); err != nil {
		return err
	}
	return nil
}
