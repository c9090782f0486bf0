// Command ln2fill purges and fills the LVM cryostats with liquid nitrogen
package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/pflag"

	"github.com/sdss/lvmscp/bus"
	"github.com/sdss/lvmscp/config"
	"github.com/sdss/lvmscp/ln2"
)

// ConfigFileName is the lvmscp configuration the bus settings come from
var ConfigFileName = "lvmscp.yml"

const usage = `ln2fill purges the vent line and fills the LVM cryostats.

Usage:
	ln2fill [-e -r recipient ... -s relay] [command] [flags]

Commands:
	purge-and-fill   (default) -p purge -f fill [-P camera-purge] [-c r1,b1] [--status]
	fill             -f fill [-c r1,b1]
	purge            [-p purge], interactive when no time is given
	status           valves, LN2 temperatures and pressures
	abort            closes all valves`

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func cameraList(s string) []string {
	if s == "" {
		return ln2.AllCameras
	}
	return strings.Split(s, ",")
}

// prompt waits for the user to press enter
func prompt(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{Prompt: ""})
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		_, err := rl.Readline()
		done <- err
	}()
	select {
	case err = <-done:
		rl.Close()
		return err
	case <-ctx.Done():
		rl.Close()
		return ctx.Err()
	}
}

func dial(c config.Config) (*bus.Client, error) {
	codec, err := bus.CodecByName(c.Bus.Encoding)
	if err != nil {
		return nil, err
	}
	mc := c.Bus.MQTT()
	if c.LN2.Broker != "" {
		mc.Broker = c.LN2.Broker
	}
	mc.ClientID = "ln2fill"
	t, err := bus.DialMQTT(mc)
	if err != nil {
		return nil, err
	}
	return bus.NewClient("ln2fill", t, bus.WithCodec(codec), bus.WithPrefix(c.Bus.Prefix)), nil
}

func run(ctx context.Context, s *ln2.Session, cmd string, args []string) error {
	fs := pflag.NewFlagSet(cmd, pflag.ExitOnError)
	switch cmd {
	case "purge-and-fill":
		purge := fs.Float64P("purge-time", "p", 0, "purge time, in seconds")
		fill := fs.Float64P("fill-time", "f", 0, "fill time, in seconds")
		camPurge := fs.Float64P("camera-purge-time", "P", 0, "camera purge time, in seconds")
		cameras := fs.StringP("cameras", "c", "", "comma-separated cameras to fill, all by default")
		status := fs.Bool("status", false, "report status after the fill")
		fs.Parse(args)
		if !fs.Changed("purge-time") || !fs.Changed("fill-time") {
			return fmt.Errorf("--purge-time and --fill-time are required")
		}
		if *status {
			if err := s.Pressures(ctx); err != nil {
				return err
			}
			s.Println("")
		}
		err := s.PurgeAndFill(ctx, seconds(*purge), seconds(*fill), seconds(*camPurge), cameraList(*cameras))
		if err != nil || !*status {
			return err
		}
		s.Println("")
		if err = s.OutletStatus(ctx); err != nil {
			return err
		}
		s.Println("")
		return s.LN2Temps(ctx)
	case "fill":
		fill := fs.Float64P("fill-time", "f", 0, "fill time, in seconds")
		cameras := fs.StringP("cameras", "c", "", "comma-separated cameras to fill, all by default")
		fs.Parse(args)
		if !fs.Changed("fill-time") {
			return fmt.Errorf("--fill-time is required")
		}
		return s.Fill(ctx, seconds(*fill), cameraList(*cameras))
	case "purge":
		purge := fs.Float64P("purge-time", "p", 0, "purge time, in seconds; waits for enter when not given")
		fs.Parse(args)
		return s.Purge(ctx, seconds(*purge))
	case "status":
		fs.Parse(args)
		return s.Status(ctx)
	case "abort":
		fs.Parse(args)
		return s.CloseAll(ctx)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func main() {
	log.SetFlags(0)
	global := pflag.NewFlagSet("ln2fill", pflag.ExitOnError)
	global.SetInterspersed(false)
	global.Usage = func() { fmt.Println(usage) }
	email := global.BoolP("email", "e", false, "send the output over email")
	recipients := global.StringArrayP("recipient", "r", nil, "email recipient, may be repeated")
	relay := global.StringP("smtp-relay", "s", "", "SMTP relay host")
	global.StringVar(&ConfigFileName, "config", ConfigFileName, "lvmscp configuration file")
	global.Parse(os.Args[1:])

	c, err := config.Load(ConfigFileName)
	if err != nil {
		log.Fatalf("error loading config: %v", err)
	}
	if !global.Changed("smtp-relay") {
		*relay = c.LN2.SMTPRelay
	}
	if !global.Changed("email") {
		*email = c.LN2.Email
	}
	if !global.Changed("recipient") {
		*recipients = c.LN2.Recipients
	}
	if *email && len(*recipients) == 0 {
		log.Fatal("--recipient is required with --email.")
	}

	cmd, args := "purge-and-fill", global.Args()
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = strings.ToLower(args[0]), args[1:]
	}

	client, err := dial(c)
	if err != nil {
		log.Fatal(err)
	}

	s := ln2.NewSession(os.Stdout, client)
	if c.LN2.OutletWait > 0 {
		s.OutletWait = c.LN2.OutletWait
	}
	if c.LN2.FillWait > 0 {
		s.FillWait = c.LN2.FillWait
	}
	if os.Getenv("IS_CONTAINER") != "" {
		s.ShowTimer = false
	}
	s.Prompt = prompt

	report := &bytes.Buffer{}
	if *email {
		s.Report = report
		s.Println(fmt.Sprintf("Running on %s", time.Now().Format("01/02/06 15:04:05")))
		s.Println("")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, s, cmd, args)
	stop()
	client.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	if *email {
		if serr := ln2.SendReport(*relay, *recipients, report.String(), err); serr != nil {
			log.Println("failed sending the report:", serr)
		}
	}
	if err != nil {
		os.Exit(1)
	}
}
