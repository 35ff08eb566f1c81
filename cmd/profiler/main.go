package main

import (
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/profiler/cmd/profiler/cmd"
	"github.com/armadaproject/profiler/internal/common"
)

func main() {
	common.ConfigureLogging()
	root := cmd.RootCmd()
	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}
