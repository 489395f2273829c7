package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/arloliu/go-marccd/detector"
	"github.com/arloliu/go-marccd/journal"
	"github.com/arloliu/go-marccd/param"
)

const consoleHelp = `commands:
  acquire              start one acquisition
  stop                 abort the running acquisition
  save                 write the current image to the next file name
  set <NAME> <VALUE>   write a parameter
  get <NAME>           read a parameter
  params               list all parameters
  report [LEVEL]       print the detector report
  journal [N]          list the N most recent journal records
  quit                 exit
`

// console executes operator commands read line by line.
type console struct {
	det     *detector.Detector
	journal *journal.Journal
	out     io.Writer
}

// run reads commands from r until EOF, quit, or ctx is done.
func (c *console) run(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}

		quit, err := c.exec(ctx, scanner.Text())
		if err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
		if quit {
			return nil
		}
	}

	return scanner.Err()
}

func (c *console) exec(ctx context.Context, line string) (quit bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}

	switch cmd, args := strings.ToLower(fields[0]), fields[1:]; cmd {
	case "quit", "exit":
		return true, nil
	case "help":
		fmt.Fprint(c.out, consoleHelp)
	case "acquire":
		return false, c.det.WriteInt(ctx, param.Acquire, 1)
	case "stop":
		return false, c.det.WriteInt(ctx, param.Acquire, 0)
	case "save":
		return false, c.det.WriteInt(ctx, param.WriteFile, 1)
	case "set":
		if len(args) < 2 {
			return false, fmt.Errorf("usage: set <NAME> <VALUE>")
		}
		return false, c.set(ctx, strings.ToUpper(args[0]), strings.Join(args[1:], " "))
	case "get":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: get <NAME>")
		}
		v, ok := c.det.Params().Lookup(strings.ToUpper(args[0]))
		if !ok {
			return false, fmt.Errorf("unknown parameter %s", args[0])
		}
		fmt.Fprintf(c.out, "%s = %v\n", strings.ToUpper(args[0]), v)
	case "params":
		for _, name := range c.det.Params().Names() {
			v, _ := c.det.Params().Lookup(name)
			fmt.Fprintf(c.out, "%-22s %v\n", name, v)
		}
	case "report":
		level := 1
		if len(args) > 0 {
			if level, err = strconv.Atoi(args[0]); err != nil {
				return false, fmt.Errorf("bad report level %q", args[0])
			}
		}
		c.det.Report(c.out, level)
	case "journal":
		return false, c.listJournal(ctx, args)
	default:
		return false, fmt.Errorf("unknown command %q, type help", cmd)
	}

	return false, nil
}

// set writes value with the type of the current parameter value. New
// parameters are stored as int, float or string, whichever parses first.
func (c *console) set(ctx context.Context, name, value string) error {
	current, _ := c.det.Params().Lookup(name)
	switch current.(type) {
	case float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("%s expects a number: %w", name, err)
		}
		return c.det.WriteFloat(ctx, name, f)
	case string:
		return c.det.WriteString(ctx, name, value)
	case int:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s expects an integer: %w", name, err)
		}
		return c.det.WriteInt(ctx, name, n)
	}

	if n, err := strconv.Atoi(value); err == nil {
		return c.det.WriteInt(ctx, name, n)
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return c.det.WriteFloat(ctx, name, f)
	}

	return c.det.WriteString(ctx, name, value)
}

func (c *console) listJournal(ctx context.Context, args []string) error {
	if c.journal == nil {
		return fmt.Errorf("journal disabled")
	}

	limit := 10
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("bad record count %q", args[0])
		}
		limit = n
	}

	records, err := c.journal.Recent(ctx, limit)
	if err != nil {
		return err
	}
	for _, rec := range records {
		fmt.Fprintf(c.out, "%6d  %s  %dx%d  mean=%.1f std=%.1f min=%.0f max=%.0f  %s\n",
			rec.ImageCounter, rec.StartTime.Format("2006-01-02 15:04:05.000"),
			rec.Width, rec.Height, rec.Stats.Mean, rec.Stats.StdDev,
			rec.Stats.Min, rec.Stats.Max, rec.Path)
	}

	return nil
}
