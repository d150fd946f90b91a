package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/zzmx-sudo/file-sharer-LAN/pkg/client"
	"github.com/zzmx-sudo/file-sharer-LAN/pkg/protocol"
)

// clientCommand is one control API subcommand.
type clientCommand struct {
	usage string
	flags func(*pflag.FlagSet)
	run   func(ctx context.Context, env *cliEnv) error
}

// cliEnv is what a client command runs with.
type cliEnv struct {
	client  *client.Client
	flags   *pflag.FlagSet
	args    []string
	out     io.Writer
	jsonOut bool
}

func (e *cliEnv) arg(i int, what string) (string, error) {
	if i >= len(e.args) {
		return "", fmt.Errorf("missing %s", what)
	}
	return e.args[i], nil
}

// print writes v as JSON with --json, otherwise calls text.
func (e *cliEnv) print(v any, text func(w io.Writer)) error {
	if e.jsonOut {
		enc := json.NewEncoder(e.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(e.out)
	return nil
}

var clientCommands = map[string]clientCommand{
	"list":      {usage: "list", run: cmdList},
	"share":     {usage: "share PATH", flags: shareFlags, run: cmdShare},
	"open":      {usage: "open ID", run: shareAction("opened", (*client.Client).OpenShare)},
	"close":     {usage: "close ID", run: shareAction("closed", (*client.Client).CloseShare)},
	"remove":    {usage: "remove ID", run: shareAction("removed", (*client.Client).RemoveShare)},
	"open-all":  {usage: "open-all", run: bulkAction("opened", (*client.Client).OpenAll)},
	"close-all": {usage: "close-all", run: bulkAction("closed", (*client.Client).CloseAll)},
	"browse":    {usage: "browse [ADDRESS]", run: cmdBrowse},
	"enter":     {usage: "enter NAME", run: cmdEnter},
	"back":      {usage: "back", run: cmdBack},
	"download":  {usage: "download [NAME]", flags: downloadFlags, run: cmdDownload},
	"downloads": {usage: "downloads", flags: downloadsFlags, run: cmdDownloads},
	"settings":  {usage: "settings [KEY=VALUE...]", run: cmdSettings},
	"watch":     {usage: "watch [TYPE...]", run: cmdWatch},
}

func runClient(name string, cmd clientCommand, args []string) error {
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	addr := flagSet.String("addr", controlURL(), "control API address")
	jsonOut := flagSet.Bool("json", false, "print JSON instead of text")
	timeout := flagSet.Duration("timeout", 30*time.Second, "request timeout")
	if cmd.flags != nil {
		cmd.flags(flagSet)
	}
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: filesharer %s [flags]\n\n", cmd.usage)
		flagSet.PrintDefaults()
	}
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env := &cliEnv{
		client:  client.New(client.Config{BaseURL: *addr, Timeout: *timeout}),
		flags:   flagSet,
		args:    flagSet.Args(),
		out:     os.Stdout,
		jsonOut: *jsonOut,
	}
	return cmd.run(ctx, env)
}

// controlURL turns FILESHARER_CONTROL_ADDR into a base URL.
func controlURL() string {
	addr := os.Getenv("FILESHARER_CONTROL_ADDR")
	if addr == "" {
		return client.DefaultBaseURL
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return addr
}

// ─── Sharing ────────────────────────────────────────────────────────────────

func printShares(w io.Writer, shares []protocol.ShareInfo) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROW\tID\tPROTO\tSHARING\tHITS\tPATH\tADDRESS")
	for _, s := range shares {
		addr := s.Address
		if s.FTPPort != 0 {
			addr = strings.TrimSpace(fmt.Sprintf("%s ftp-port=%d password=%s", addr, s.FTPPort, s.FTPPassword))
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%d\t%s\t%s\n",
			s.Row, s.ID, s.Protocol, s.IsSharing, s.BrowseCount, s.Path, addr)
	}
	tw.Flush()
}

func cmdList(ctx context.Context, env *cliEnv) error {
	shares, err := env.client.Shares(ctx)
	if err != nil {
		return err
	}
	return env.print(shares, func(w io.Writer) { printShares(w, shares) })
}

func shareFlags(fs *pflag.FlagSet) {
	fs.StringP("protocol", "p", "http", "protocol to share over: http or ftp")
}

func cmdShare(ctx context.Context, env *cliEnv) error {
	path, err := env.arg(0, "path")
	if err != nil {
		return err
	}
	proto, _ := env.flags.GetString("protocol")
	resp, err := env.client.CreateShare(ctx, path, proto)
	if err != nil {
		return err
	}
	return env.print(resp, func(w io.Writer) {
		if resp.Warning != "" {
			fmt.Fprintln(os.Stderr, "warning:", resp.Warning)
		}
		printShares(w, []protocol.ShareInfo{resp.Share})
	})
}

func shareAction(verb string, fn func(*client.Client, context.Context, string) (*protocol.ShareInfo, error)) func(context.Context, *cliEnv) error {
	return func(ctx context.Context, env *cliEnv) error {
		id, err := env.arg(0, "share id")
		if err != nil {
			return err
		}
		info, err := fn(env.client, ctx, id)
		if err != nil {
			return err
		}
		return env.print(info, func(w io.Writer) {
			fmt.Fprintf(w, "%s %s (%s)\n", verb, info.ID, info.Path)
		})
	}
}

func bulkAction(verb string, fn func(*client.Client, context.Context) (int, error)) func(context.Context, *cliEnv) error {
	return func(ctx context.Context, env *cliEnv) error {
		n, err := fn(env.client, ctx)
		if err != nil {
			return err
		}
		return env.print(protocol.CountResponse{Changed: n}, func(w io.Writer) {
			fmt.Fprintf(w, "%s %d shares\n", verb, n)
		})
	}
}

// ─── Browsing ───────────────────────────────────────────────────────────────

func printListing(w io.Writer, b *protocol.BrowseResponse) {
	if b.Listing == nil {
		fmt.Fprintf(w, "state: %s", b.State)
		if b.Error != "" {
			fmt.Fprintf(w, " (%s)", b.Error)
		}
		fmt.Fprintln(w)
		return
	}
	where := b.Listing.Name
	if !b.IsRoot {
		where += " (use back to go up)"
	}
	fmt.Fprintf(w, "%s\n", where)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, name := range b.Listing.ChildNames() {
		child, _ := b.Listing.Child(name)
		kind := "file"
		if child.IsDir {
			kind = "dir"
			name += "/"
		}
		fmt.Fprintf(tw, "  %s\t%s\n", kind, name)
	}
	tw.Flush()
}

func cmdBrowse(ctx context.Context, env *cliEnv) error {
	var (
		b   *protocol.BrowseResponse
		err error
	)
	if len(env.args) == 0 {
		b, err = env.client.BrowseState(ctx)
	} else {
		b, err = env.client.Browse(ctx, env.args[0])
	}
	if b != nil && b.State != "" {
		if perr := env.print(b, func(w io.Writer) { printListing(w, b) }); perr != nil {
			return perr
		}
	}
	return err
}

func cmdEnter(ctx context.Context, env *cliEnv) error {
	name, err := env.arg(0, "directory name")
	if err != nil {
		return err
	}
	b, err := env.client.Enter(ctx, name)
	if err != nil {
		return err
	}
	return env.print(b, func(w io.Writer) { printListing(w, b) })
}

func cmdBack(ctx context.Context, env *cliEnv) error {
	b, err := env.client.Back(ctx)
	if err != nil {
		return err
	}
	return env.print(b, func(w io.Writer) { printListing(w, b) })
}

// ─── Downloads ──────────────────────────────────────────────────────────────

func downloadFlags(fs *pflag.FlagSet) {
	fs.Bool("wait", false, "wait until the batch has finished")
}

func downloadsFlags(fs *pflag.FlagSet) {
	fs.Bool("clear", false, "forget items that succeeded or failed")
}

func cmdDownload(ctx context.Context, env *cliEnv) error {
	var name string
	if len(env.args) > 0 {
		name = env.args[0]
	}
	resp, err := env.client.Download(ctx, name)
	if err != nil {
		return err
	}
	if wait, _ := env.flags.GetBool("wait"); !wait {
		return env.print(resp, func(w io.Writer) {
			fmt.Fprintf(w, "queued %d items (batch %s)\n", resp.Items, resp.BatchID)
		})
	}

	items, err := waitBatch(ctx, env.client, resp.BatchID)
	if err != nil {
		return err
	}
	if err := env.print(items, func(w io.Writer) { printDownloads(w, items) }); err != nil {
		return err
	}
	for _, it := range items {
		if it.Status == "failed" {
			return errors.New("some items failed")
		}
	}
	return nil
}

// waitBatch polls until every item of the batch reached a final status.
func waitBatch(ctx context.Context, c *client.Client, batchID string) ([]protocol.DownloadInfo, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		all, err := c.Downloads(ctx)
		if err != nil {
			return nil, err
		}
		var items []protocol.DownloadInfo
		done := true
		for _, it := range all {
			if it.BatchID != batchID {
				continue
			}
			items = append(items, it)
			if it.Status != "succeeded" && it.Status != "failed" {
				done = false
			}
		}
		if done {
			return items, nil
		}
		select {
		case <-ctx.Done():
			return items, ctx.Err()
		case <-ticker.C:
		}
	}
}

func printDownloads(w io.Writer, items []protocol.DownloadInfo) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STATUS\tPROTO\tPATH\tDESTINATION\tREASON")
	for _, it := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", it.Status, it.Protocol, it.RelativePath, it.Destination, it.Reason)
	}
	tw.Flush()
}

func cmdDownloads(ctx context.Context, env *cliEnv) error {
	if clearFinished, _ := env.flags.GetBool("clear"); clearFinished {
		n, err := env.client.ClearDownloads(ctx)
		if err != nil {
			return err
		}
		return env.print(protocol.CountResponse{Changed: n}, func(w io.Writer) {
			fmt.Fprintf(w, "cleared %d items\n", n)
		})
	}
	items, err := env.client.Downloads(ctx)
	if err != nil {
		return err
	}
	return env.print(items, func(w io.Writer) { printDownloads(w, items) })
}

// ─── Settings and events ────────────────────────────────────────────────────

func cmdSettings(ctx context.Context, env *cliEnv) error {
	if len(env.args) == 0 {
		settings, err := env.client.Settings(ctx)
		if err != nil {
			return err
		}
		return env.print(settings, func(w io.Writer) {
			keys := make([]string, 0, len(settings))
			for k := range settings {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(w, "%s=%v\n", k, settings[k])
			}
		})
	}

	values := make(map[string]any, len(env.args))
	for _, a := range env.args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			return fmt.Errorf("expected KEY=VALUE, got %q", a)
		}
		values[k] = v
	}
	resp, err := env.client.UpdateSettings(ctx, values)
	if err != nil {
		return err
	}
	return env.print(resp, func(w io.Writer) {
		fmt.Fprintf(w, "applied: %s\n", strings.Join(resp.Applied, ", "))
		if len(resp.Ignored) > 0 {
			fmt.Fprintf(w, "ignored unknown keys: %s\n", strings.Join(resp.Ignored, ", "))
		}
	})
}

func cmdWatch(ctx context.Context, env *cliEnv) error {
	for _, t := range env.args {
		switch t {
		case protocol.EventHit, protocol.EventShare, protocol.EventDownload:
		default:
			return fmt.Errorf("unknown event type %q (want hit, share or download)", t)
		}
	}
	events, _ := client.NewSSEClient(env.client.BaseURL()).Only(env.args...).Subscribe(ctx)
	for ev := range events {
		if env.jsonOut {
			fmt.Fprintf(env.out, "%s\n", ev.Raw)
			continue
		}
		ts := time.Unix(ev.Time, 0).Format(time.TimeOnly)
		switch {
		case ev.Hit != nil:
			fmt.Fprintf(env.out, "%s hit       %s count=%d\n", ts, ev.Hit.ShareID, ev.Hit.Count)
		case ev.Share != nil:
			fmt.Fprintf(env.out, "%s share     %s sharing=%t %s\n", ts, ev.Share.ShareID, ev.Share.Sharing, ev.Share.Path)
		case ev.Download != nil:
			line := fmt.Sprintf("%s download  %s %s", ts, ev.Download.Status, ev.Download.Path)
			if ev.Download.Reason != "" {
				line += " (" + ev.Download.Reason + ")"
			}
			fmt.Fprintln(env.out, line)
		default:
			fmt.Fprintf(env.out, "%s %s %s\n", ts, ev.Type, ev.Raw)
		}
	}
	return nil
}
