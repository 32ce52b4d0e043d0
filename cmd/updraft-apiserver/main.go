package main

import (
	"os"

	_ "go.uber.org/automaxprocs"
	"k8s.io/apiserver/pkg/server"

	"updraft.io/updraft/cmd/updraft-apiserver/app"
)

func main() {
	ctx := server.SetupSignalContext()
	if err := app.NewAPIServerCommand(ctx).Execute(); err != nil {
		os.Exit(1)
	}
}
