// Command conductor is the CLI entrypoint for the multi-agent workflow
// engine. It is a thin cobra-based router onto pkg/orchestrator, with
// the bootstrap sequence (config.Initialize, storage client, service
// wiring) following a production service's main.go and the subcommand
// tree following tim-coutinho-agentops/cli/cmd/ao.
package main

func main() {
	Execute()
}
