// Package cli implements the operator console of the session server.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/energizer-project/netgamedist/internal/config"
	"github.com/energizer-project/netgamedist/internal/db"
	"github.com/energizer-project/netgamedist/internal/distserv"
	"github.com/energizer-project/netgamedist/internal/events"
	"github.com/energizer-project/netgamedist/internal/session"
)

// CLI provides an interactive command-line interface.
type CLI struct {
	cfg     *config.Config
	bus     *events.EventBus
	session *session.Session
	monitor *session.Monitor
	access  *db.AccessStore

	in  io.Reader
	out io.Writer
}

// NewCLI creates a console reading commands from in and writing to out.
// monitor and access may be nil.
func NewCLI(cfg *config.Config, bus *events.EventBus, sess *session.Session,
	monitor *session.Monitor, access *db.AccessStore, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		cfg:     cfg,
		bus:     bus,
		session: sess,
		monitor: monitor,
		access:  access,
		in:      in,
		out:     out,
	}
}

// Start reads commands until ctx is cancelled or input ends.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nnetgamedist console ready. Type 'help' for available commands.")
	fmt.Fprintln(c.out, "─────────────────────────────────────────────────────")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.out, "netgamedist> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			parts := strings.Fields(line)
			if len(parts) == 0 {
				continue
			}
			if err := c.execute(ctx, strings.ToLower(parts[0]), parts[1:]); err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
		}
	}
}

// execute processes a single CLI command.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "clients", "c":
		c.printClients()
	case "client":
		return c.cmdClient(args)
	case "stat":
		return c.cmdStat(args)
	case "ctl":
		return c.cmdControl(args)
	case "kick":
		return c.cmdKick(args)
	case "remove":
		return c.cmdRemove(args)
	case "monitor":
		return c.printMonitor()
	case "tokens":
		return c.printTokens()
	case "token":
		return c.cmdToken(args)
	case "set":
		return c.cmdSet(ctx, args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down...")
		c.bus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

// printHelp displays available commands.
func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, "\n╔══════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(c.out, "║                  netgamedist Console Commands                ║")
	fmt.Fprintln(c.out, "╠══════════════════════════════════════════════════════════════╣")
	fmt.Fprintln(c.out, "║  status               Show session state                     ║")
	fmt.Fprintln(c.out, "║  clients              List client slots                      ║")
	fmt.Fprintln(c.out, "║  client <slot>        Show one slot and its last error       ║")
	fmt.Fprintln(c.out, "║  stat <sel> [slot]    Read a status counter (clnu, drop...)  ║")
	fmt.Fprintln(c.out, "║  ctl <sel> <value>    Change a server control (rate, mpty..) ║")
	fmt.Fprintln(c.out, "║  kick <slot>          Disconnect a client                    ║")
	fmt.Fprintln(c.out, "║  remove <slot>        Free a client slot                     ║")
	fmt.Fprintln(c.out, "║  monitor              Show disconnect and desync summary     ║")
	fmt.Fprintln(c.out, "║  tokens               List API tokens                        ║")
	fmt.Fprintln(c.out, "║  token create <n> <r> Issue an API token with role r         ║")
	fmt.Fprintln(c.out, "║  token revoke <n>     Revoke an API token                    ║")
	fmt.Fprintln(c.out, "║  set <key> <value>    Update and save a session setting      ║")
	fmt.Fprintln(c.out, "║  quit                 Shut the server down                   ║")
	fmt.Fprintln(c.out, "╚══════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(c.out)
}

// printStatus displays the session snapshot.
func (c *CLI) printStatus() {
	snap := c.session.Snapshot()
	fmt.Fprintf(c.out, "\n  Session:      %s\n", snap.ID)
	fmt.Fprintf(c.out, "  Uptime:       %s\n", snap.Uptime)
	fmt.Fprintf(c.out, "  Ticks:        %d\n", snap.Ticks)
	fmt.Fprintf(c.out, "  Tick period:  %d ms\n", snap.FixedRate)
	fmt.Fprintf(c.out, "  Clients:      %d/%d\n", snap.ClientCount, snap.MaxClients)
	fmt.Fprintf(c.out, "  Flow:         %v\n", snap.FlowEnabled)
	fmt.Fprintf(c.out, "  No input:     %v\n", snap.NoInputMode)
	fmt.Fprintf(c.out, "  High water:   in %d, out %d\n\n", snap.HighWaterIn, snap.HighWaterOut)
}

// printClients displays client slots in a formatted table.
func (c *CLI) printClients() {
	snap := c.session.Snapshot()
	if len(snap.Clients) == 0 {
		fmt.Fprintln(c.out, "No clients.")
		return
	}

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Slot", "Name", "State", "Remote", "Joined", "Reason"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, cl := range snap.Clients {
		state, reason := "active", ""
		if cl.Disconnected {
			state, reason = "disconnected", cl.Reason.String()
		}
		joined := "-"
		if !cl.JoinedAt.IsZero() {
			joined = time.Since(cl.JoinedAt).Truncate(time.Second).String()
		}
		tw.Append([]string{
			strconv.Itoa(cl.Index),
			cl.Name,
			state,
			cl.Remote,
			joined,
			reason,
		})
	}
	tw.Render()
}

func (c *CLI) cmdClient(args []string) error {
	index, err := parseSlotArg(args)
	if err != nil {
		return err
	}
	view, err := c.session.Client(index)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "\n  Slot:     %d\n", view.Index)
	fmt.Fprintf(c.out, "  Name:     %s\n", view.Name)
	fmt.Fprintf(c.out, "  Remote:   %s\n", view.Remote)
	fmt.Fprintf(c.out, "  Active:   %v\n", view.Active)
	if msg := c.session.ExplainError(index); msg != "" {
		fmt.Fprintf(c.out, "  Error:    %s\n", msg)
	}
	fmt.Fprintln(c.out)
	return nil
}

func (c *CLI) cmdStat(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: stat <selector> [slot]")
	}
	sel, ok := distserv.ParseStatusSel(args[0])
	if !ok {
		return fmt.Errorf("unknown status selector: %s", args[0])
	}
	index := 0
	if len(args) > 1 {
		var err error
		if index, err = parseSlotArg(args[1:]); err != nil {
			return err
		}
	}
	value, valid, err := c.session.Status(sel, index)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s = %d (valid: %v)\n", sel, value, valid)
	return nil
}

func (c *CLI) cmdControl(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: ctl <selector> <value>")
	}
	sel, ok := distserv.ParseControlSel(args[0])
	if !ok {
		return fmt.Errorf("unknown control selector: %s", args[0])
	}
	value, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid value: %s", args[1])
	}
	if c.session.Control(sel, value) != 0 {
		return fmt.Errorf("value %d rejected for %s", value, sel)
	}
	fmt.Fprintf(c.out, "%s set to %d\n", sel, value)
	return nil
}

func (c *CLI) cmdKick(args []string) error {
	index, err := parseSlotArg(args)
	if err != nil {
		return err
	}
	if err := c.session.Disconnect(index); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Client %d disconnected\n", index)
	return nil
}

func (c *CLI) cmdRemove(args []string) error {
	index, err := parseSlotArg(args)
	if err != nil {
		return err
	}
	if err := c.session.Remove(index); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Slot %d freed\n", index)
	return nil
}

func (c *CLI) printMonitor() error {
	if c.monitor == nil {
		return fmt.Errorf("monitor not running")
	}
	summary := c.monitor.Summary()
	fmt.Fprintf(c.out, "\nDisconnects this hour: %d, desyncs this hour: %d\n",
		summary.DisconnectsThisHour, summary.DesyncsThisHour)

	if len(summary.Reasons) > 0 {
		sort.Slice(summary.Reasons, func(i, j int) bool { return summary.Reasons[i].Total > summary.Reasons[j].Total })
		tw := tablewriter.NewWriter(c.out)
		tw.SetHeader([]string{"Reason", "Total", "Last Client", "Last Time"})
		for _, r := range summary.Reasons {
			tw.Append([]string{
				r.Reason,
				strconv.Itoa(r.Total),
				fmt.Sprintf("%d (%s)", r.LastIndex, r.LastName),
				r.LastTime.Format(time.RFC3339),
			})
		}
		tw.Render()
	}

	for _, a := range c.monitor.CheckThresholds() {
		fmt.Fprintf(c.out, "[%s] %s\n", strings.ToUpper(a.Level), a.Message)
	}
	fmt.Fprintln(c.out)
	return nil
}

func (c *CLI) printTokens() error {
	if c.access == nil {
		return fmt.Errorf("token store unavailable")
	}
	tokens, err := c.access.ListTokens()
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		fmt.Fprintln(c.out, "No API tokens.")
		return nil
	}

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Name", "Role", "Created", "Last Used"})
	for _, t := range tokens {
		lastUsed := "never"
		if t.LastUsed != nil {
			lastUsed = t.LastUsed.Format(time.RFC3339)
		}
		tw.Append([]string{t.Name, t.Role, t.CreatedAt.Format(time.RFC3339), lastUsed})
	}
	tw.Render()
	return nil
}

func (c *CLI) cmdToken(args []string) error {
	if c.access == nil {
		return fmt.Errorf("token store unavailable")
	}
	if len(args) < 2 {
		return fmt.Errorf("usage: token create <name> <role> | token revoke <name>")
	}

	switch args[0] {
	case "create":
		if len(args) < 3 {
			return fmt.Errorf("usage: token create <name> <role>")
		}
		token, err := c.access.CreateToken(args[1], args[2])
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "Token for %s (%s): %s\n", args[1], args[2], token)
		fmt.Fprintln(c.out, "Store it now, it cannot be shown again.")
	case "revoke":
		if err := c.access.RevokeToken(args[1]); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "Token %s revoked\n", args[1])
	default:
		return fmt.Errorf("unknown token command: %s", args[0])
	}
	return nil
}

// cmdSet updates a numeric session setting, validates and saves it.
func (c *CLI) cmdSet(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: set <key> <value>")
	}
	key := args[0]
	value, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid value: %s", args[1])
	}

	candidate := &config.Config{
		Session:         c.cfg.GetSession(),
		Network:         c.cfg.GetNetwork(),
		ApplicationData: c.cfg.GetApplicationData(),
	}
	if err := candidate.UpdateSessionField(key, value); err != nil {
		return err
	}
	if result := config.Validate(candidate); !result.IsValid() {
		return fmt.Errorf("%s: %s", result.Errors[0].Field, result.Errors[0].Message)
	}

	c.cfg.SetSession(candidate.Session)
	if err := c.cfg.Save(); err != nil {
		return err
	}
	c.session.ApplyConfig(candidate.Session)

	c.bus.Emit(ctx, events.Event{
		Type:    events.EventConfigChanged,
		Source:  "cli",
		Payload: events.ConfigChangedPayload{Section: "session", Key: key, Value: value},
	})
	fmt.Fprintf(c.out, "Config updated: %s = %d\n", key, value)
	if key == "max_clients" || key == "buffer_size" {
		fmt.Fprintln(c.out, "Takes effect on restart.")
	}
	return nil
}

func parseSlotArg(args []string) (int, error) {
	if len(args) < 1 {
		return 0, fmt.Errorf("slot number required")
	}
	index, err := strconv.Atoi(args[0])
	if err != nil || index < 0 {
		return 0, fmt.Errorf("invalid slot: %s", args[0])
	}
	return index, nil
}
