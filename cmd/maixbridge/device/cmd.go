// Package device is interactive device emulator, talks to serve over link.
package device

import (
	"context"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/temoto/maixbridge/cmd/maixbridge/subcmd"
	"github.com/temoto/maixbridge/config"
	"github.com/temoto/maixbridge/helpers/cli"
	"github.com/temoto/maixbridge/link"
	"github.com/temoto/maixbridge/log2"
)

const modName = "device"

const usage = `syntax: one command per line
- temp X     send temperature
- class X    send classification, rest of line
- conf X     send confidence level
- poll       ask for queued record, show reply
- raw T X    send frame type T (single digit) with payload X
- help       show this text
`

var Mod = subcmd.Mod{Name: modName, Main: Main}

func Main(ctx context.Context, cfg *config.Config) error {
	log := log2.ContextValueLogger(ctx)
	client, err := link.NewClient(&link.ClientOptions{
		ConnOptions: link.ConnOptions{
			Log:            log,
			NetworkTimeout: cfg.DeviceNetworkTimeout(),
			ReadLimit:      uint32(cfg.Device.ReadLimit),
		},
		RetryDelay: link.DefaultRetryDelay,
		StreamURL:  cfg.Device.Listen,
	})
	if err != nil {
		return errors.Annotate(err, "device client")
	}
	defer func() {
		_ = client.Close()
		log.Infof("device emulator stat=%s", client.Stat())
	}()

	log.Infof("device emulator server=%s, type help", cfg.Device.Listen)
	cli.MainLoop("maixbridge-device", newExecutor(ctx, client), newCompleter())
	return nil
}

type command struct {
	name  string
	frame link.Frame
}

func parseLine(line string) (command, error) {
	name, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)
	c := command{name: name}
	switch name {
	case "help", "poll":
		return c, nil
	case "temp":
		c.frame = link.NewFrame(link.TypeTemperature, rest)
	case "class":
		c.frame = link.NewFrame(link.TypeClassification, rest)
	case "conf":
		c.frame = link.NewFrame(link.TypeConfidence, rest)
	case "raw":
		ts, payload, _ := strings.Cut(rest, " ")
		if len(ts) != 1 || !link.FrameType(ts[0]).Valid() {
			return c, errors.NotValidf("frame type=%q", ts)
		}
		c.frame = link.NewFrame(link.FrameType(ts[0]), payload)
		return c, nil
	default:
		return c, errors.NotSupportedf("command=%q", name)
	}
	if rest == "" {
		return c, errors.NotValidf("%s without value", name)
	}
	return c, nil
}

func newCompleter() cli.CompleteFunc {
	suggests := []prompt.Suggest{
		{Text: "temp", Description: "temperature"},
		{Text: "class", Description: "classification"},
		{Text: "conf", Description: "confidence level"},
		{Text: "poll", Description: "ask for queued record"},
		{Text: "raw", Description: "any frame type"},
		{Text: "help"},
	}
	return func(d prompt.Document) []prompt.Suggest {
		if strings.Contains(d.TextBeforeCursor(), " ") {
			return nil
		}
		return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
	}
}

func newExecutor(ctx context.Context, client *link.Client) cli.ExecFunc {
	log := log2.ContextValueLogger(ctx)
	return func(line string) {
		c, err := parseLine(line)
		if err != nil {
			log.Errorf("%v, type help", err)
			return
		}
		switch c.name {
		case "help":
			log.Infof(usage)
		case "poll":
			f, err := client.Poll(ctx)
			if err != nil {
				log.Error(errors.ErrorStack(err))
				return
			}
			if f.Type == link.TypeRecord {
				log.Infof("< record %q", f.Payload)
			} else {
				log.Infof("< %s", f)
			}
		default:
			if err := client.Send(ctx, c.frame); err != nil {
				log.Error(errors.ErrorStack(err))
				return
			}
			log.Debugf("> %s", c.frame)
		}
	}
}
