package main

import (
	"os"

	_ "go.uber.org/automaxprocs"
	"k8s.io/apiserver/pkg/server"

	"updraft.io/updraft/cmd/updraft-agent/app"
)

func main() {
	ctx := server.SetupSignalContext()
	if err := app.NewAgentCommand(ctx).Execute(); err != nil {
		os.Exit(1)
	}
}
