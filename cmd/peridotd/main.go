package main

//go-build: CGO_ENABLED=0

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/robotalks/peridot.go/pkg/bridge/mqtt"
	"github.com/robotalks/peridot.go/pkg/env"
	"github.com/robotalks/peridot.go/pkg/framework"
)

func init() {
	env.SetupFlags()
}

func main() {
	flag.Parse()

	conf := env.NewConfig()
	b := conf.MustOpenBoard(context.Background())

	host, _ := os.Hostname()
	br, err := mqtt.New(b, conf.BrokerURL, conf.Name, conf.Port, host)
	if err != nil {
		b.Close()
		log.Fatalln(err)
	}
	if err := framework.NewRunner().HandleSignals().Go(br).Wait(); err != nil {
		log.Fatalln(err)
	}
}
