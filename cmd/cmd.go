/*
	Backpacking
	Copyright (c) 2025 The Backpacking Authors

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package bpcmd facilitates the command line interface (CLI)
// and implements the main().
package bpcmd

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"

	"github.com/backpacking/backpacking/bpapp"
	"github.com/backpacking/backpacking/journal"
	"go.uber.org/zap"
)

func Main() {
	flag.StringVar(&configFile, "config", "", "YAML config file (default $"+bpapp.ConfigPathEnvVar+")")
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usage) }
	flag.Parse()

	subCommand := flag.Arg(0)
	if subCommand == "" {
		subCommand = "serve"
	}

	// commands that don't need the app
	switch subCommand {
	case "help":
		fmt.Print(usage)
		return
	case "version":
		fmt.Println(version())
		return
	}

	if err := checkFlagParsing(); err != nil {
		journal.Log.Fatal("possible syntax error detected", zap.Error(err))
	}

	cfg, err := bpapp.LoadConfig(configFile)
	if err != nil {
		journal.Log.Fatal("failed loading config", zap.Error(err))
	}

	ctx := context.Background()

	app, err := bpapp.New(ctx, cfg)
	if err != nil {
		journal.Log.Fatal("failed to run application", zap.Error(err))
	}

	run, ok := subcommands[subCommand]
	if !ok {
		app.Close()
		journal.Log.Fatal("unknown subcommand", zap.String("subcommand", subCommand))
	}

	if subCommand == "serve" {
		bpapp.TrapSignals()
	}

	err = run(ctx, app, flag.Args()[min(1, flag.NArg()):])
	if cerr := app.Close(); cerr != nil {
		journal.Log.Error("closing application", zap.Error(cerr))
	}
	_ = journal.Log.Sync()
	if err != nil {
		journal.Log.Fatal("subcommand failed",
			zap.String("subcommand", subCommand),
			zap.Error(err))
	}
}

var subcommands = map[string]func(context.Context, *bpapp.App, []string) error{
	"serve":         serve,
	"ingest":        ingest,
	"regenerate":    regenerate,
	"create-travel": createTravel,
}

func serve(_ context.Context, app *bpapp.App, _ []string) error {
	if err := app.Serve(); err != nil {
		return err
	}
	<-app.Done()
	return nil
}

// ingest -travel ID FILE...
func ingest(ctx context.Context, app *bpapp.App, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	travelID := fs.Int64("travel", 0, "ID of the travel the pictures belong to")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *travelID <= 0 || fs.NArg() == 0 {
		return errors.New("usage: ingest -travel ID FILE [FILE ...]")
	}

	var failures int
	for _, name := range fs.Args() {
		pic, err := ingestFile(ctx, app.Ingestor(), *travelID, name)
		if err != nil {
			failures++
			fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
			continue
		}
		if err := printJSON(pic); err != nil {
			return err
		}
	}
	if failures > 0 {
		return fmt.Errorf("%d of %d pictures failed", failures, fs.NArg())
	}
	return nil
}

func ingestFile(ctx context.Context, in *journal.Ingestor, travelID int64, name string) (*journal.Picture, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		// sniff it like a browser would
		head := make([]byte, 512)
		n, _ := f.Read(head)
		contentType = http.DetectContentType(head[:n])
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
	}

	return in.Ingest(ctx, travelID, journal.Upload{
		Filename:    filepath.Base(name),
		ContentType: contentType,
		Body:        f,
	})
}

// regenerate PICTURE_ID...
func regenerate(ctx context.Context, app *bpapp.App, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: regenerate PICTURE_ID [PICTURE_ID ...]")
	}
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return fmt.Errorf("bad picture ID %q: %w", arg, err)
		}
		pic, err := app.Ingestor().RegenerateVariants(ctx, id)
		if err != nil {
			return fmt.Errorf("picture %d: %w", id, err)
		}
		if err := printJSON(pic); err != nil {
			return err
		}
	}
	return nil
}

// create-travel NAME [DESCRIPTION]
func createTravel(ctx context.Context, app *bpapp.App, args []string) error {
	if len(args) == 0 || len(args) > 2 || args[0] == "" {
		return errors.New("usage: create-travel NAME [DESCRIPTION]")
	}
	travel := &journal.Travel{Name: args[0]}
	if len(args) == 2 {
		travel.Description = args[1]
	}
	if err := app.Store().CreateTravel(ctx, travel); err != nil {
		return err
	}
	return printJSON(travel)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "\t")
	return enc.Encode(v)
}

func version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "backpacking (devel)"
	}
	return "backpacking " + info.Main.Version
}

// checkFlagParsing returns an error if it looks like the program was
// invoked with its flags after the subcommand, as in
// `backpacking serve -config backpacking.yaml` instead of
// `backpacking -config backpacking.yaml serve`, which would silently
// ignore the config file.
func checkFlagParsing() error {
	for _, arg := range flag.Args() {
		if arg == "-config" || arg == "--config" {
			return errors.New("it looks like you intended to specify flags, but none were parsed; make sure flags go before positional arguments")
		}
	}
	return nil
}

const usage = `usage: backpacking [-config FILE] COMMAND [ARGS]

Commands:
  serve                           run the HTTP server (default)
  ingest -travel ID FILE...       ingest pictures from disk
  regenerate PICTURE_ID...        re-create missing variants of pictures
  create-travel NAME [DESC]       create a travel
  help                            show this help
  version                         print the version

Every config key can also be set with a ` + bpapp.EnvPrefix + `* environment variable.
`

var configFile string
