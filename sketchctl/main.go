package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"golang.org/x/term"

	"github.com/inkline/sketch/sketch"
)

const SketchCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Sketch session control.

The default relay url is ws://localhost:8400/ws.

Usage:
    sketchctl create [--relay=<relay_url>] [--base=<base_url>]
    sketchctl open [--relay=<relay_url>] <token>

Options:
    -h --help            Show this screen.
    --version            Show version.
    --relay=<relay_url>  Relay websocket url.
    --base=<base_url>    App origin for share links [default: http://localhost:5173].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SketchCtlVersion)
	if err != nil {
		panic(err)
	}

	if create_, _ := opts.Bool("create"); create_ {
		create(opts)
	} else if open_, _ := opts.Bool("open"); open_ {
		open(opts)
	}
}

func relayUrl(opts docopt.Opts) string {
	if url, err := opts.String("--relay"); err == nil && url != "" {
		return url
	}
	return "ws://localhost:8400/ws"
}

func create(opts docopt.Opts) {
	ctx := context.Background()

	store := sketch.NewRelayStoreWithDefaults(ctx, relayUrl(opts))
	defer store.Close()
	if !store.AwaitConnected(5 * time.Second) {
		Err.Fatalf("relay not reachable at %s", relayUrl(opts))
	}

	token := sketch.NewSessionToken()
	controller, err := sketch.OpenSessionWithDefaults(ctx, store, token)
	if err != nil {
		Err.Fatalf("open session: %v", err)
	}
	defer controller.Close()

	baseUrl, _ := opts.String("--base")
	Out.Printf("%s", token)
	Out.Printf("%s", controller.ShareLink(baseUrl))
}

func open(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	token, _ := opts.String("<token>")

	store := sketch.NewRelayStoreWithDefaults(ctx, relayUrl(opts))
	defer store.Close()
	if !store.AwaitConnected(5 * time.Second) {
		Err.Fatalf("relay not reachable at %s", relayUrl(opts))
	}

	controller, err := sketch.OpenSessionWithDefaults(ctx, store, token)
	if err != nil {
		Err.Fatalf("open session: %v", err)
	}
	defer controller.Close()

	Out.Printf("joined %s as %s", token, controller.DisplayName())

	unsub := controller.AddPresenceEventCallback(func(joined []string, left []string, peers map[string]*sketch.PeerState) {
		for _, clientId := range joined {
			if peer := peers[clientId]; peer != nil {
				Out.Printf("+ %s (%s)", peer.DisplayName, clientId)
			}
		}
		for _, clientId := range left {
			Out.Printf("- %s", clientId)
		}
	})
	defer unsub()

	if term.IsTerminal(int(os.Stdin.Fd())) {
		repl(controller)
		return
	}

	// non-interactive: watch until interrupted
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
}

func repl(controller *sketch.SessionController) {
	Out.Printf("commands: rect circle text pen del fill <color> stroke <color> undo redo png <file> svg <file> share quit")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "rect":
			controller.AddRectangle()
		case "circle":
			controller.AddCircle()
		case "text":
			controller.AddText()
		case "pen":
			controller.ToggleFreeDraw()
		case "del":
			controller.DeleteSelected()
		case "fill":
			if 1 < len(fields) {
				controller.SetFillColor(fields[1])
			}
		case "stroke":
			if 1 < len(fields) {
				controller.SetStrokeColor(fields[1])
			}
		case "undo":
			controller.Undo()
		case "redo":
			controller.Redo()
		case "png":
			if 1 < len(fields) {
				export(controller.ExportPng, fields[1])
			}
		case "svg":
			if 1 < len(fields) {
				export(controller.ExportSvg, fields[1])
			}
		case "share":
			Out.Printf("%s", controller.ShareLink("http://localhost:5173"))
		case "quit":
			return
		default:
			Out.Printf("unknown command %q", fields[0])
		}
		controller.Barrier()
	}
}

func export(exportFn func(w io.Writer) error, path string) {
	f, err := os.Create(path)
	if err != nil {
		Err.Printf("export: %v", err)
		return
	}
	defer f.Close()
	if err := exportFn(f); err != nil {
		Err.Printf("export: %v", err)
		return
	}
	Out.Printf("wrote %s", path)
}
