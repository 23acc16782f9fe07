// Package web3 holds chain connectivity shared by the capability registry:
// the EVM client contract, log subscriptions and the multi-chain definition
// file that tells the daemon which node and registry contract to use.
package web3
