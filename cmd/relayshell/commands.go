package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/loykin/relayshell"
	"github.com/loykin/relayshell/internal/provision"
	"github.com/loykin/relayshell/pkg/client"
)

const statusSending = "sending"

type command struct {
	ctx context.Context
	out io.Writer
	// pollInterval paces --wait; tests shorten it.
	pollInterval time.Duration
}

func (c *command) Send(files []string, f SendFlags) error {
	cl, err := c.newClient(f.APIFlags)
	if err != nil {
		return err
	}
	st, err := cl.Send(c.ctx, client.SendRequest{
		Files:     files,
		IP:        f.IP,
		Port:      f.Port,
		Protocol:  f.Protocol,
		Sniff:     f.Sniff,
		Interface: f.Interface,
		Delay:     f.Delay,
		ChunkSize: f.ChunkSize,
	})
	if err != nil {
		return err
	}
	if !f.Wait {
		printJSON(c.out, st)
		return nil
	}
	return c.waitBatch(cl, st)
}

// waitBatch polls the daemon until the batch is no longer sending and prints
// one line per observed change.
func (c *command) waitBatch(cl *client.Client, st client.TransferState) error {
	interval := c.pollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	last := ""
	for {
		line := fmt.Sprintf("[%d/%d] %s %s/%s", st.CurrentIndex, st.TotalFiles, st.CurrentFile,
			formatBytes(st.Bytes), formatBytes(st.Total))
		if line != last {
			_, _ = fmt.Fprintln(c.out, line)
			last = line
		}
		if st.Status != statusSending {
			break
		}
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		case <-time.After(interval):
		}
		var err error
		if st, err = cl.State(c.ctx); err != nil {
			return err
		}
	}
	if st.Error != "" {
		return fmt.Errorf("transfer failed: %s", st.Error)
	}
	_, _ = fmt.Fprintf(c.out, "%s: %d/%d files\n", st.Status, st.CurrentIndex, st.TotalFiles)
	return nil
}

func (c *command) Cancel(f APIFlags) error {
	cl, err := c.newClient(f)
	if err != nil {
		return err
	}
	st, err := cl.Cancel(c.ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, st)
	return nil
}

func (c *command) Reset(f APIFlags) error {
	cl, err := c.newClient(f)
	if err != nil {
		return err
	}
	st, err := cl.Reset(c.ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, st)
	return nil
}

func (c *command) Receive(f ReceiveFlags) error {
	cl, err := c.newClient(f.APIFlags)
	if err != nil {
		return err
	}
	st, err := cl.StartServer(c.ctx, client.ServerRequest{
		Port:      f.Port,
		Protocol:  f.Protocol,
		SaveDir:   f.SaveDir,
		Sniff:     f.Sniff,
		Interface: f.Interface,
	})
	if err != nil {
		return err
	}
	printJSON(c.out, st)
	return nil
}

func (c *command) Proxy(f ProxyFlags) error {
	cl, err := c.newClient(f.APIFlags)
	if err != nil {
		return err
	}
	st, err := cl.StartProxy(c.ctx, client.ProxyRequest{
		ListenPort:     f.ListenPort,
		TargetIP:       f.TargetIP,
		TargetPort:     f.TargetPort,
		CorruptionRate: f.CorruptionRate,
		Interface:      f.Interface,
		Protocol:       f.Protocol,
	})
	if err != nil {
		return err
	}
	printJSON(c.out, st)
	return nil
}

func (c *command) Stop(f APIFlags) error {
	cl, err := c.newClient(f)
	if err != nil {
		return err
	}
	st, err := cl.StopWorker(c.ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, st)
	return nil
}

func (c *command) Status(f APIFlags) error {
	cl, err := c.newClient(f)
	if err != nil {
		return err
	}
	info, err := cl.Worker(c.ctx)
	if err != nil {
		return err
	}
	st, err := cl.State(c.ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, map[string]any{"worker": info, "transfer": st})
	return nil
}

func (c *command) Scan(f APIFlags) error {
	cl, err := c.newClient(f)
	if err != nil {
		return err
	}
	peers, err := cl.Peers(c.ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "IP\tPORT\tHOSTNAME")
	for _, p := range peers {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\n", p.IP, p.Port, p.Hostname)
	}
	return tw.Flush()
}

func (c *command) Interfaces(f APIFlags) error {
	cl, err := c.newClient(f)
	if err != nil {
		return err
	}
	ifaces, err := cl.Interfaces(c.ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tDESCRIPTION\tADDRESSES")
	for _, i := range ifaces {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%v\n", i.Name, i.Description, i.Addresses)
	}
	return tw.Flush()
}

// Verify checks each path and fails when any of them does not match.
func (c *command) Verify(paths []string, f APIFlags) error {
	cl, err := c.newClient(f)
	if err != nil {
		return err
	}
	bad := 0
	for _, p := range paths {
		res, err := cl.Verify(c.ctx, p)
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		state := "OK"
		if !res.Valid {
			state = "MISMATCH"
			bad++
		}
		_, _ = fmt.Fprintf(c.out, "%-8s %s", state, p)
		if res.Reason != "" {
			_, _ = fmt.Fprintf(c.out, " (%s)", res.Reason)
		}
		_, _ = fmt.Fprintln(c.out)
	}
	if bad > 0 {
		return fmt.Errorf("%d of %d files failed verification", bad, len(paths))
	}
	return nil
}

func (c *command) History(f APIFlags, stats bool) error {
	cl, err := c.newClient(f)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	if stats {
		recs, err := cl.Stats(c.ctx)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(tw, "TIME\tFILE\tSIZE\tDURATION\tTHROUGHPUT\tPROTO")
		for _, r := range recs {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s/s\t%s\n",
				r.Timestamp.Local().Format(time.DateTime), r.Filename, formatBytes(r.Size),
				time.Duration(r.DurationMs)*time.Millisecond, formatBytes(int64(r.ThroughputBps)), r.Protocol)
		}
		return tw.Flush()
	}
	items, err := cl.History(c.ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(tw, "TIME\tFILE\tSIZE\tDIRECTION\tSTATUS\tPROTO")
	for _, it := range items {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			it.Timestamp.Local().Format(time.DateTime), it.Filename, formatBytes(it.Size),
			it.Direction, it.Status, it.Protocol)
	}
	return tw.Flush()
}

func (c *command) ClearHistory(f APIFlags) error {
	cl, err := c.newClient(f)
	if err != nil {
		return err
	}
	if err := cl.ClearHistory(c.ctx); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, "history cleared")
	return nil
}

// Watch prints event frames as JSON lines until interrupted or Limit is reached.
func (c *command) Watch(f WatchFlags) error {
	cl, err := c.newClient(f.APIFlags)
	if err != nil {
		return err
	}
	n := 0
	err = cl.Stream(c.ctx, f.Topics, func(ev client.Event) bool {
		b, _ := json.Marshal(ev)
		_, _ = fmt.Fprintln(c.out, string(b))
		n++
		return f.Limit <= 0 || n < f.Limit
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Provision installs the worker runtime locally without a daemon.
func (c *command) Provision(configPath string) error {
	cfg, err := relayshell.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	inst, err := provision.New(cfg.Provision()).Ensure()
	if err != nil {
		return err
	}
	printJSON(c.out, inst)
	return nil
}
