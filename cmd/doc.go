// Package cmd contains the abnet binaries.
//
//   - abnet: the experiment ledger service
//   - demo-cli: a scripted walkthrough of an experiment's lifecycle
package cmd
