package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	"github.com/inkline/sketch/sketch"
)

const RelaydVersion = "0.0.1"

func main() {
	usage := `Scene store relay.

Serves the shared document store over a websocket at /ws. The relay holds no
scene logic; clients coordinate through the revision protocol.

Usage:
    relayd [--port=<port>]

Options:
    -h --help      Show this screen.
    --version      Show version.
    --port=<port>  Listen port [default: 8400].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RelaydVersion)
	if err != nil {
		panic(err)
	}

	port, _ := opts.Int("--port")

	ctx := context.Background()
	store := sketch.NewMemoryStore()
	server := sketch.NewRelayServerWithDefaults(ctx, store)

	addr := fmt.Sprintf(":%d", port)
	glog.Infof("[relayd]listening on %s\n", addr)
	if err := http.ListenAndServe(addr, server.Router()); err != nil {
		glog.Errorf("[relayd]%v\n", err)
		os.Exit(1)
	}
}
