// Copyright (c) 2020 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package tcn

import "fmt"

// Params are the derivation parameters of a deployment.  Changing them
// changes the interpretation of every stored CCN.
type Params struct {
	// Epochs is the number of TCNs derived from a single CCN.
	Epochs int

	// Ratchets is the number of successor CCNs that are expanded in
	// addition to a stored CCN.
	Ratchets int
}

// DefaultParams expands every stored CCN into one day of one minute epochs.
var DefaultParams = Params{
	Epochs:   DefaultEpochs,
	Ratchets: 0,
}

// Validate returns an error if the parameters can't be used.
func (p Params) Validate() error {
	if p.Epochs <= 0 {
		return fmt.Errorf("invalid epochs: %v", p.Epochs)
	}
	if p.Ratchets < 0 {
		return fmt.Errorf("invalid ratchets: %v", p.Ratchets)
	}
	return nil
}

// Seeds returns the CCNs a stored CCN stands for: the CCN itself followed by
// its successors.
func (p Params) Seeds(c CCN) []CCN {
	return append([]CCN{c}, c.Successors(p.Ratchets)...)
}

// PerSeed returns the number of TCNs a stored CCN expands into.
func (p Params) PerSeed() int {
	return (1 + p.Ratchets) * p.Epochs
}

// Expand returns every TCN derivable from a stored CCN.  The TCNs of the CCN
// itself come first, followed by the TCNs of each successor in ratchet order.
func (p Params) Expand(c CCN) []TCN {
	tcns := make([]TCN, 0, p.PerSeed())
	for _, seed := range p.Seeds(c) {
		g := seed.Generator()
		for i := 0; i < p.Epochs; i++ {
			tcns = append(tcns, g.Next())
		}
	}
	return tcns
}
