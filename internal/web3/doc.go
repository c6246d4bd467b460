// Package web3 houses blockchain connectivity utilities used by the bridge
// tools: the chain client contract, chain and token metadata loaded from YAML,
// and conversions between human amounts and on-chain base units. Concrete EVM
// clients live in the ethereum subpackage and the multi-chain registry in the
// provider subpackage.
package web3
