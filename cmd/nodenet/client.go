package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lcx/nodenet/log"
	nodenet "github.com/lcx/nodenet/net"
)

var (
	nameFlag     string
	durationFlag time.Duration
)

var queryCmd = &cobra.Command{
	Use:   "query ADDR",
	Short: "Ask a server for its info",
	Args:  cobra.ExactArgs(1),
	RunE:  runQuery,
}

var joinCmd = &cobra.Command{
	Use:   "join ADDR",
	Short: "Join a server and report the payload it sends",
	Args:  cobra.ExactArgs(1),
	RunE:  runJoin,
}

// pollUntil drives c at the classic tick rate until done reports true.
func pollUntil(ctx context.Context, c *nodenet.Client, done func() bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	pacer := nodenet.NewTickPacer(nodenet.DefaultTickRate)
	err := pacer.Run(ctx, func() {
		c.Listen()
		if done() {
			cancel()
		}
	})
	if done() {
		return nil
	}
	return err
}

func runQuery(cmd *cobra.Command, args []string) error {
	cfg := transportCfg(setupConfig())
	c := nodenet.NewClient(cfg, nodenet.ClientHooks{})
	if err := c.Lookup(args[0]); err != nil {
		return err
	}
	if err := pollUntil(cmd.Context(), c, func() bool { return c.State() == nodenet.ClientDisconnected }); err != nil {
		return err
	}
	if err := c.LastError(); err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}

	host := c.DiscoveredHost()
	keys := make([]string, 0, len(host.Fields))
	for k := range host.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s\n", host.Address)
	for _, k := range keys {
		fmt.Fprintf(out, "  %s: %s\n", k, host.Fields[k])
	}
	return nil
}

func runJoin(cmd *cobra.Command, args []string) error {
	cfg := transportCfg(setupConfig())
	out := cmd.OutOrStdout()

	c := nodenet.NewClient(cfg, nodenet.ClientHooks{
		OnServerJoined: func() { fmt.Fprintf(out, "joined %s as %q\n", args[0], nameFlag) },
	})
	if err := c.Connect(args[0], nameFlag); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if durationFlag > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, durationFlag)
		defer cancel()
	}

	received := 0
	_ = pollUntil(ctx, c, func() bool {
		for {
			payload, ok := c.ReceivePending()
			if !ok {
				break
			}
			received++
			log.Debug().Int("len", len(payload)).Msg("payload received")
		}
		return c.State() == nodenet.ClientDisconnected
	})
	if err := c.LastError(); err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	c.Disconnect()
	fmt.Fprintf(out, "received %d payloads, %s\n", received, c.Status())
	return nil
}
