package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/juju/errors"
	"github.com/temoto/maixbridge/cmd/maixbridge/device"
	"github.com/temoto/maixbridge/cmd/maixbridge/serve"
	"github.com/temoto/maixbridge/cmd/maixbridge/subcmd"
	"github.com/temoto/maixbridge/config"
	"github.com/temoto/maixbridge/log2"
)

var log = log2.NewStderr(log2.LDebug)

var modules = []subcmd.Mod{
	serve.Mod,
	device.Mod,
}

func main() {
	flagset := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	flagConfig := flagset.String("config", "", "HCL config file, empty means defaults and environment only")
	flagEnv := flagset.String("env", ".env", "dotenv file with MAIXBRIDGE_* variables, missing is ok")
	flagset.Usage = func() {
		fmt.Fprintf(flagset.Output(), "usage: maixbridge [flags] [%s]\n", subcmd.Names(modules))
		flagset.PrintDefaults()
	}
	_ = flagset.Parse(os.Args[1:])

	command := flagset.Arg(0)
	if command == "" {
		command = serve.Mod.Name
	}
	mod, err := subcmd.Parse(command, modules)
	if err != nil {
		log.Fatal(err)
	}

	if subcmd.SdNotify("start") {
		// we're under systemd, assume systemd journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}

	if err := godotenv.Load(*flagEnv); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatal(errors.Annotatef(err, "dotenv file=%s", *flagEnv))
	}
	names := []string{}
	if *flagConfig != "" {
		names = append(names, *flagConfig)
	}
	cfg := config.MustReadConfig(log, config.NewOsFullReader(), nil, names...)
	if !cfg.LogDebug {
		log.SetLevel(log2.LInfo)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx = log2.ContextWithLog(ctx, log)
	log.Debugf("maixbridge command=%s", mod.Name)
	err = mod.Main(ctx, cfg)
	stop()
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}
