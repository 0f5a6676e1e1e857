package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	arg "github.com/alexflint/go-arg"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"tide/file"
	"tide/storage"
	"tide/torrent"
)

const (
	exitOK          = 0
	exitParse       = 1
	exitNoPeers     = 2
	exitIO          = 3
	exitInterrupted = 130
)

type args struct {
	Torrent  string `arg:"positional,required" help:"path to the .torrent file"`
	Dest     string `arg:"-d,--dest" default:"." help:"destination directory"`
	Port     uint16 `arg:"-p,--port" default:"6881" help:"listen port (falls through to 6889)"`
	MaxPeers int    `arg:"--max-peers" default:"50" help:"maximum simultaneous peers"`
	Verbose  bool   `arg:"-v,--verbose" help:"verbose logging"`
}

func (args) Description() string {
	return "tide downloads the contents of a torrent into a directory, resuming verified pieces across runs"
}

func main() {
	var a args
	arg.MustParse(&a)

	log := logrus.New()
	log.SetOutput(os.Stderr)
	if a.Verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.WarnLevel)
	}

	tf, err := file.Open(a.Torrent)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tide: %v\n", err)
		os.Exit(exitParse)
	}

	cfg := torrent.DefaultConfig()
	cfg.DestDir = a.Dest
	cfg.Port = a.Port
	cfg.MaxPeers = a.MaxPeers
	cfg.ShowProgress = !a.Verbose
	cfg.Log = log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = torrent.New(tf, cfg).Run(ctx)
	switch {
	case err == nil:
		fmt.Printf("downloaded %s into %s\n", humanize.Bytes(uint64(tf.Length)), a.Dest)
		os.Exit(exitOK)
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(os.Stderr, "tide: interrupted")
		os.Exit(exitInterrupted)
	case errors.Is(err, torrent.ErrNoPeers):
		fmt.Fprintf(os.Stderr, "tide: %v\n", err)
		os.Exit(exitNoPeers)
	case errors.Is(err, storage.ErrPersistent):
		fmt.Fprintf(os.Stderr, "tide: %v\n", err)
		os.Exit(exitIO)
	default:
		fmt.Fprintf(os.Stderr, "tide: %v\n", err)
		os.Exit(exitIO)
	}
}
