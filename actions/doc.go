// Package actions provides action tables and a standalone action host.
//
// Action tables are YAML files listing each action's ordinal, name and
// signature; DefaultDefinitions returns the embedded subset of nwscript.nss
// the Host implements. Host runs actions as Go functions for both the
// stack and the fast calling conventions, so scripts can execute without a
// game server behind them.
package actions
