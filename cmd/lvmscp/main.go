package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/sdss/lvmscp/config"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1.0.0"

	// ConfigFileName is what it sounds like
	ConfigFileName = "lvmscp.yml"
)

func root() {
	str := `lvmscp is the spectrograph control actor of the Local Volume Mapper.
It takes exposures with the CCD controllers of the spectrographs, collects
telemetry from the other LVM actors into the FITS headers, and answers
commands on the message bus and over HTTP.

Usage:
	lvmscp <command> [-c config.yml]

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `lvmscp is configured by its .yml file and by LVMSCP_ environment
variables, which override the file.  Levels are separated by a double
underscore, for example LVMSCP_BUS__BROKER=tcp://localhost:1883.

mkconf writes the current configuration to lvmscp.yml; conf prints it.

An empty bus.broker runs the actor on an in-process bus, useful with the
HTTP API alone.  Controllers with mock: true are simulated.

sensors.source and depth.source are "bus" to ask the lvmieb actors, or
"modbus" / "gauge" to read the devices directly.

Bus commands:
	expose, readout, get-etr, status, hardware-status, focus, ping, version, help

HTTP routes (default :8090):
	GET  /etr /state /status /metrics /files/root /endpoints
	POST /expose /command /lock /unlock`
	fmt.Println(str)
}

func load(args []string) config.Config {
	fs := pflag.NewFlagSet("lvmscp", pflag.ExitOnError)
	fs.StringVarP(&ConfigFileName, "config", "c", ConfigFileName, "configuration file")
	fs.Parse(args)
	c, err := config.Load(ConfigFileName)
	if err != nil {
		log.Fatalf("error loading config: %v", err)
	}
	return c
}

func mkconf(c config.Config) {
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	if err = config.Write(f, c); err != nil {
		log.Fatal(err)
	}
}

func printconf(c config.Config) {
	if err := config.Write(os.Stdout, c); err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("lvmscp version %v\n", Version)
}

func run(c config.Config) {
	if lj := setupLog(c.Log); lj != nil {
		defer lj.Close()
	}
	d, err := Build(c)
	if err != nil {
		log.Fatal(err)
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err = d.Actor.Start(ctx); err != nil {
		log.Fatal(err)
	}

	srv := &http.Server{Addr: c.HTTP.Addr, Handler: d.Actor.HTTPHandler()}
	go func() {
		<-ctx.Done()
		shut, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shut)
	}()
	log.Printf("%s %s now listening for requests at %s\n", c.Actor.Name, Version, c.HTTP.Addr)
	if err = srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Println(err)
	}
	d.Actor.Wait()
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	cmd := strings.ToLower(args[1])
	switch cmd {
	case "help":
		help()
	case "mkconf":
		mkconf(load(args[2:]))
	case "conf":
		printconf(load(args[2:]))
	case "run":
		run(load(args[2:]))
	case "version":
		pversion()
	default:
		log.Fatal("unknown command")
	}
}
