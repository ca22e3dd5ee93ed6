package cmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"gwlink/internal/gateway"
	"gwlink/internal/metrics"
	"gwlink/internal/netmon"
	"gwlink/internal/vnet"
)

// console is the interactive operator shell.
type console struct {
	conn    *gateway.Connection
	manual  *netmon.Manual // nil when a host interface is tracked
	pub     *vnet.Publisher
	iface   *vnet.Interface
	metrics *metrics.Collector
	out     io.Writer
}

// runConsole reads commands until exit, EOF or ctx is cancelled.
// cancel is called when the operator leaves the console.
func runConsole(ctx context.Context, cancel context.CancelFunc, c *console) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gwlink> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("status"),
			readline.PcItem("net", readline.PcItem("none")),
			readline.PcItem("networks"),
			readline.PcItem("send"),
			readline.PcItem("stats"),
			readline.PcItem("disconnect"),
			readline.PcItem("dump"),
			readline.PcItem("metrics"),
			readline.PcItem("teardown"),
			readline.PcItem("help"),
			readline.PcItem("exit"),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()
	c.out = rl.Stdout()

	stop := c.pub.Subscribe(func(ev vnet.Event) {
		fmt.Fprintf(c.out, "[network %d %s]\n", ev.Network.Handle, ev.Kind)
	})
	defer stop()

	go func() {
		<-ctx.Done()
		rl.Close()
	}()

	c.printHelp()
	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			break
		}
		if c.exec(line) {
			break
		}
	}
	if ctx.Err() == nil {
		fmt.Fprintln(c.out, "Exiting...")
	}
	cancel()
	return nil
}

// exec runs one command line and reports whether the console should
// exit.
func (c *console) exec(line string) bool {
	parts := strings.Fields(strings.TrimSpace(line))
	if len(parts) == 0 {
		return false
	}
	cmd, args := strings.ToLower(parts[0]), parts[1:]

	switch cmd {
	case "help", "?":
		c.printHelp()
	case "status", "s":
		c.cmdStatus()
	case "net":
		c.cmdNet(args)
	case "networks":
		c.cmdNetworks()
	case "send":
		c.cmdSend(args)
	case "stats":
		st := c.iface.Stats()
		fmt.Fprintf(c.out, "in %d pkts / %d bytes, out %d pkts / %d bytes, dropped %d\n",
			st.PacketsIn, st.BytesIn, st.PacketsOut, st.BytesOut, st.Dropped)
	case "disconnect":
		if err := c.conn.Disconnect(gateway.ReasonOperator); err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
		}
	case "dump":
		c.conn.Dump(c.out)
	case "metrics":
		fmt.Fprintln(c.out, c.metrics.JSON())
	case "teardown":
		c.conn.TeardownAsynchronously()
		fmt.Fprintln(c.out, "teardown requested")
	case "quit", "exit", "q":
		return true
	default:
		fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return false
}

func (c *console) printHelp() {
	fmt.Fprintln(c.out, `Commands:
  status                  connection state and counters
  net <id> [iface]        select an underlying network
  net none                drop the underlying network
  networks                published virtual networks
  send <text>             send a packet through the tunnel
  stats                   tunnel interface counters
  disconnect              close the session until the network changes
  dump                    full state dump
  metrics                 metrics snapshot as JSON
  teardown                tear the connection down
  help                    this text
  exit                    leave (tears the connection down)`)
}

func (c *console) cmdStatus() {
	st := c.conn.Status()
	fmt.Fprintf(c.out, "%s  %s for %s\n", st.ID, st.State, time.Since(st.Since).Truncate(time.Second))
	fmt.Fprintf(c.out, "  network:   %s\n", st.Underlying)
	fmt.Fprintf(c.out, "  token:     %d\n", st.Token)
	fmt.Fprintf(c.out, "  published: %v\n", st.Published)
	if st.FailedAttempts > 0 {
		fmt.Fprintf(c.out, "  failed:    %d (retry in %s)\n", st.FailedAttempts, st.RetryIn)
	}
	if st.LastError != "" {
		fmt.Fprintf(c.out, "  error:     %s\n", st.LastError)
	}
}

func (c *console) cmdNet(args []string) {
	if c.manual == nil {
		fmt.Fprintln(c.out, "The underlying network follows --interface and cannot be set by hand")
		return
	}
	if len(args) == 0 {
		fmt.Fprintf(c.out, "current: %s\n", c.manual.Current())
		fmt.Fprintln(c.out, "Usage: net <id> [iface] | net none")
		return
	}
	if args[0] == "none" {
		c.manual.Clear()
		return
	}

	rec := &gateway.NetworkRecord{ID: args[0]}
	if len(args) > 1 {
		rec.Interface = args[1]
		if r, err := netmon.LookupInterface(args[1]); err == nil && r != nil {
			rec.LocalIP, rec.MTU = r.LocalIP, r.MTU
		} else if ip := net.ParseIP(args[1]); ip != nil {
			rec.Interface, rec.LocalIP = "", ip
		}
	}
	c.manual.Set(rec)
	fmt.Fprintf(c.out, "network %s selected\n", rec)
}

func (c *console) cmdNetworks() {
	nets := c.pub.Networks()
	if len(nets) == 0 {
		fmt.Fprintln(c.out, "No published networks")
		return
	}
	for _, n := range nets {
		fmt.Fprintf(c.out, "  %d  %s  addrs=%v routes=%v mtu=%d  spi in %#08x out %#08x  since %s\n",
			n.Handle, n.Interface, n.Child.Addresses, n.Child.Routes, n.Child.MTU,
			n.SPIIn, n.SPIOut, n.Since.Format("15:04:05"))
	}
}

func (c *console) cmdSend(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(c.out, "Usage: send <text>")
		return
	}
	if err := c.iface.Send([]byte(strings.Join(args, " "))); err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintln(c.out, "OK")
}
