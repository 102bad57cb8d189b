package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"evalgo.org/metalpool/internal/constraints"
	"evalgo.org/metalpool/models"
	"evalgo.org/metalpool/pkg/metalpool/client"
)

var (
	apiURL       string
	apiToken     string
	outputFormat string
	apiTimeout   time.Duration
)

var machinesCmd = &cobra.Command{
	Use:     "machines",
	Aliases: []string{"machine", "m"},
	Short:   "Manage machines through the API",
	Long: `Query and act on machines through a running metalpool server.

The server URL defaults to the configured server address and can be set
with --api-url or MP_API_URL; the token with --token or MP_API_TOKEN.`,
}

var (
	listStatuses []string
	listZone     string
	listOwner     string
	listIDs       []string
	listMACs      []string
	listAgentName string
	listAllocated bool
	listLimit     int
	listOffset    int
)

// listQuery builds the list filter. --agent-name "" selects machines
// without an agent name.
func listQuery(cmd *cobra.Command) client.Query {
	q := client.Query{
		Statuses:  listStatuses,
		Zone:      listZone,
		Owner:     listOwner,
		SystemIDs: listIDs,
		MACs:      listMACs,
		Limit:     listLimit,
		Offset:    listOffset,
	}
	if cmd.Flags().Changed("agent-name") {
		name := listAgentName
		q.AgentName = &name
	}
	return q
}

var listMachinesCmd = &cobra.Command{
	Use:   "list",
	Short: "List machines",
	Long: `List machines with optional filtering.

Examples:
  metalpool machines list
  metalpool machines list --status ready --zone rack-a
  metalpool machines list --owner alice --format json
  metalpool machines list --mac 52:54:00:aa:bb:cc
  metalpool machines list --allocated`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			fetch := c.ListMachines
			if listAllocated {
				fetch = c.ListAllocated
			}
			list, err := fetch(ctx, listQuery(cmd))
			if err != nil {
				return err
			}
			if outputFormat == "json" {
				return printJSON(cmd.OutOrStdout(), list)
			}
			printMachineTable(cmd.OutOrStdout(), list.Machines)
			fmt.Fprintf(cmd.OutOrStdout(), "\nShowing %d of %d machines\n", list.Count, list.Total)
			return nil
		})
	},
}

var powerParametersCmd = &cobra.Command{
	Use:   "power-parameters [system-id...]",
	Short: "Show power parameters (admin)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			params, err := c.PowerParameters(ctx, args...)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), params)
		})
	},
}

var showMachineCmd = &cobra.Command{
	Use:   "show [system-id]",
	Short: "Show one machine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			m, err := c.GetMachine(ctx, args[0])
			if err != nil {
				return err
			}
			if outputFormat == "json" {
				return printJSON(cmd.OutOrStdout(), m)
			}
			printMachine(cmd.OutOrStdout(), m)
			return nil
		})
	},
}

var enlistReq client.EnlistRequest
var enlistPowerParams []string

var enlistMachineCmd = &cobra.Command{
	Use:   "enlist [hostname]",
	Short: "Enlist a new machine",
	Long: `Add a machine to the registry in the New state.

Examples:
  metalpool machines enlist node-01 --arch amd64/generic --cpu-count 8 --memory 16384
  metalpool machines enlist node-02 --power-type virtual --rack-controller rack-01 --tags ssd,fast`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := enlistReq
		req.Hostname = args[0]
		params, err := keyValues(enlistPowerParams)
		if err != nil {
			return err
		}
		if len(params) > 0 {
			req.PowerParameters = make(map[string]string, len(params))
			for k := range params {
				req.PowerParameters[k] = params.Get(k)
			}
		}

		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			m, err := c.EnlistMachine(ctx, req)
			if err != nil {
				return err
			}
			if outputFormat == "json" {
				return printJSON(cmd.OutOrStdout(), m)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Enlisted %s as %s\n", m.Hostname, m.SystemID)
			return nil
		})
	},
}

var acceptMachinesCmd = &cobra.Command{
	Use:   "accept [system-id...]",
	Short: "Accept new machines and start commissioning",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBulk(cmd, func(ctx context.Context, c *client.Client) (*client.BulkResult, error) {
			return c.Accept(ctx, args)
		})
	},
}

var releaseMachinesCmd = &cobra.Command{
	Use:   "release [system-id...]",
	Short: "Release machines back to the pool",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBulk(cmd, func(ctx context.Context, c *client.Client) (*client.BulkResult, error) {
			return c.Release(ctx, args)
		})
	},
}

var setZoneCmd = &cobra.Command{
	Use:   "set-zone [zone] [system-id...]",
	Short: "Move machines to a zone",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBulk(cmd, func(ctx context.Context, c *client.Client) (*client.BulkResult, error) {
			return c.SetZone(ctx, args[1:], args[0])
		})
	},
}

var (
	allocateDryRun  bool
	allocateVerbose bool
	allocateAgent   string
	allocateComment string
)

var allocateMachineCmd = &cobra.Command{
	Use:   "allocate [constraint=value...]",
	Short: "Allocate a machine matching constraints",
	Long: `Allocate a Ready machine matching every given constraint.

Constraints are key=value pairs; repeat a key or separate values with
commas for lists. Keys: name, arch, cpu_count, mem, tags, not_tags, zone,
not_in_zone, subnets, not_subnets, storage, interfaces.

Examples:
  metalpool machines allocate
  metalpool machines allocate tags=ssd,fast zone=rack-a
  metalpool machines allocate "storage=root:100(ssd),data:500" --verbose
  metalpool machines allocate "interfaces=pxe:subnet=pxe;data:fabric=fabric-1" --dry-run`,
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := allocationParams(args)
		if err != nil {
			return err
		}

		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			alloc, err := c.Allocate(ctx, params)
			if err != nil {
				return err
			}
			if outputFormat == "json" {
				return printJSON(cmd.OutOrStdout(), alloc)
			}
			printAllocation(cmd.OutOrStdout(), alloc)
			return nil
		})
	},
}

var powerStateCmd = &cobra.Command{
	Use:   "power-state [system-id]",
	Short: "Query the power state of a machine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			return printPower(cmd, func() (*client.PowerState, error) { return c.PowerState(ctx, args[0]) })
		})
	},
}

var powerOnCmd = &cobra.Command{
	Use:   "power-on [system-id]",
	Short: "Power a machine on",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			return printPower(cmd, func() (*client.PowerState, error) { return c.PowerOn(ctx, args[0]) })
		})
	},
}

var powerOffCmd = &cobra.Command{
	Use:   "power-off [system-id]",
	Short: "Power a machine off",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			return printPower(cmd, func() (*client.PowerState, error) { return c.PowerOff(ctx, args[0]) })
		})
	},
}

var deployMachineCmd = &cobra.Command{
	Use:   "deploy [system-id]",
	Short: "Deploy an allocated machine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			m, err := c.Deploy(ctx, args[0])
			if err != nil {
				return err
			}
			if outputFormat == "json" {
				return printJSON(cmd.OutOrStdout(), m)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s (%s) is %s\n", m.SystemID, m.Hostname, m.Status.Display())
			return nil
		})
	},
}

func init() {
	pf := machinesCmd.PersistentFlags()
	pf.StringVar(&apiURL, "api-url", "", "metalpool API URL (default: from server config)")
	pf.StringVar(&apiToken, "token", "", "API bearer token")
	pf.StringVar(&outputFormat, "format", "table", "output format (table, json)")
	pf.DurationVar(&apiTimeout, "timeout", 60*time.Second, "request timeout")

	listMachinesCmd.Flags().StringSliceVar(&listStatuses, "status", nil, "filter by status (repeatable)")
	listMachinesCmd.Flags().StringVar(&listZone, "zone", "", "filter by zone")
	listMachinesCmd.Flags().StringVar(&listOwner, "owner", "", "filter by owner")
	listMachinesCmd.Flags().StringSliceVar(&listIDs, "id", nil, "filter by system id (repeatable)")
	listMachinesCmd.Flags().StringSliceVar(&listMACs, "mac", nil, "filter by interface MAC address (repeatable)")
	listMachinesCmd.Flags().StringVar(&listAgentName, "agent-name", "", "filter by agent name; empty selects machines without one")
	listMachinesCmd.Flags().BoolVar(&listAllocated, "allocated", false, "only machines allocated to you")
	listMachinesCmd.Flags().IntVar(&listLimit, "limit", 100, "maximum results")
	listMachinesCmd.Flags().IntVar(&listOffset, "offset", 0, "results to skip")

	ef := enlistMachineCmd.Flags()
	ef.StringVar(&enlistReq.SystemID, "system-id", "", "system id (generated when empty)")
	ef.StringVar(&enlistReq.Domain, "domain", "", "DNS domain")
	ef.StringVar(&enlistReq.Architecture, "arch", "amd64/generic", "architecture, arch/subarch")
	ef.IntVar(&enlistReq.CPUCount, "cpu-count", 0, "number of CPU cores")
	ef.Int64Var(&enlistReq.Memory, "memory", 0, "memory in MiB")
	ef.StringVar(&enlistReq.Zone, "zone", "", "zone (default zone when empty)")
	ef.StringSliceVar(&enlistReq.Tags, "tags", nil, "tags")
	ef.StringVar(&enlistReq.PowerType, "power-type", "", "power type (manual, virtual, webhook)")
	ef.StringArrayVar(&enlistPowerParams, "power-param", nil, "power parameter key=value (repeatable)")
	ef.StringVar(&enlistReq.RackController, "rack-controller", "", "rack controller id")

	af := allocateMachineCmd.Flags()
	af.BoolVar(&allocateDryRun, "dry-run", false, "find a machine without allocating it")
	af.BoolVar(&allocateVerbose, "verbose", false, "report the matches of every candidate")
	af.StringVar(&allocateAgent, "agent-name", "", "agent name recorded on the machine")
	af.StringVar(&allocateComment, "comment", "", "comment for the allocation log")

	machinesCmd.AddCommand(listMachinesCmd)
	machinesCmd.AddCommand(showMachineCmd)
	machinesCmd.AddCommand(powerParametersCmd)
	machinesCmd.AddCommand(enlistMachineCmd)
	machinesCmd.AddCommand(acceptMachinesCmd)
	machinesCmd.AddCommand(releaseMachinesCmd)
	machinesCmd.AddCommand(allocateMachineCmd)
	machinesCmd.AddCommand(setZoneCmd)
	machinesCmd.AddCommand(powerStateCmd)
	machinesCmd.AddCommand(powerOnCmd)
	machinesCmd.AddCommand(powerOffCmd)
	machinesCmd.AddCommand(deployMachineCmd)
}

// newClient builds an API client from flags, environment and config.
func newClient() (*client.Client, error) {
	base := apiURL
	if base == "" {
		base = os.Getenv("MP_API_URL")
	}
	if base == "" && cfg != nil {
		host := cfg.Server.Host
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "localhost"
		}
		scheme := "http"
		if cfg.Server.TLSEnabled {
			scheme = "https"
		}
		base = fmt.Sprintf("%s://%s:%d", scheme, host, cfg.Server.Port)
	}

	token := apiToken
	if token == "" {
		token = os.Getenv("MP_API_TOKEN")
	}

	return client.New(base, client.WithToken(token))
}

func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client) error) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, apiTimeout)
	defer cancel()
	return fn(ctx, c)
}

func runBulk(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client) (*client.BulkResult, error)) error {
	return withClient(cmd, func(ctx context.Context, c *client.Client) error {
		res, err := fn(ctx, c)
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(cmd.OutOrStdout(), res)
		}
		printMachineTable(cmd.OutOrStdout(), res.Succeeded)
		if len(res.Unchanged) > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "\nUnchanged: %s\n", strings.Join(res.Unchanged, ", "))
		}
		return nil
	})
}

// keyValues parses key=value arguments. Repeated keys accumulate.
func keyValues(args []string) (url.Values, error) {
	values := url.Values{}
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		values.Add(key, value)
	}
	return values, nil
}

// allocationParams turns constraint arguments and the allocate flags into
// request parameters. Unknown constraint keys are rejected before any
// request is made.
func allocationParams(args []string) (url.Values, error) {
	params, err := keyValues(args)
	if err != nil {
		return nil, err
	}
	for key := range params {
		if _, ok := constraints.KindForKey(key); !ok {
			return nil, fmt.Errorf("unknown constraint %q", key)
		}
	}
	if allocateDryRun {
		params.Set("dry_run", "true")
	}
	if allocateVerbose {
		params.Set("verbose", "true")
	}
	if allocateAgent != "" {
		params.Set("agent_name", allocateAgent)
	}
	if allocateComment != "" {
		params.Set("comment", allocateComment)
	}
	return params, nil
}

func printPower(cmd *cobra.Command, fn func() (*client.PowerState, error)) error {
	state, err := fn()
	if err != nil {
		return err
	}
	if outputFormat == "json" {
		return printJSON(cmd.OutOrStdout(), state)
	}
	line := fmt.Sprintf("%s: %s", state.SystemID, state.State)
	if state.Message != "" {
		line += " (" + state.Message + ")"
	}
	fmt.Fprintln(cmd.OutOrStdout(), line)
	return nil
}

func printJSON(out io.Writer, data interface{}) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func printMachineTable(out io.Writer, machines []*models.Machine) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SYSTEM ID\tHOSTNAME\tSTATUS\tOWNER\tZONE\tPOWER\tARCH")
	for _, m := range machines {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			m.SystemID, m.Hostname, m.Status.Display(), dash(m.Owner), m.Zone, m.PowerState, m.Architecture)
	}
	w.Flush()
}

func printMachine(out io.Writer, m *models.Machine) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "System ID:\t%s\n", m.SystemID)
	fmt.Fprintf(w, "Hostname:\t%s\n", m.Hostname)
	fmt.Fprintf(w, "Status:\t%s\n", m.Status.Display())
	fmt.Fprintf(w, "Owner:\t%s\n", dash(m.Owner))
	fmt.Fprintf(w, "Architecture:\t%s\n", m.Architecture)
	fmt.Fprintf(w, "CPUs / memory:\t%d / %d MiB\n", m.CPUCount, m.Memory)
	fmt.Fprintf(w, "Zone:\t%s\n", m.Zone)
	fmt.Fprintf(w, "Tags:\t%s\n", dash(strings.Join(m.Tags, ", ")))
	fmt.Fprintf(w, "Power:\t%s (%s)\n", m.PowerState, dash(m.PowerType))
	fmt.Fprintf(w, "Rack controller:\t%s\n", dash(m.RackController))
	w.Flush()

	if len(m.StorageDevices) > 0 {
		fmt.Fprintln(out, "\nStorage:")
		w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, d := range m.StorageDevices {
			fmt.Fprintf(w, "  %d\t%s\t%d GB\t%s\n", d.ID, d.Name, d.Size/1e9, strings.Join(d.Tags, ","))
		}
		w.Flush()
	}
	if len(m.Interfaces) > 0 {
		fmt.Fprintln(out, "\nInterfaces:")
		w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, i := range m.Interfaces {
			fmt.Fprintf(w, "  %d\t%s\t%s\t%s\n", i.ID, i.Name, i.MACAddress, strings.Join(i.Subnets, ","))
		}
		w.Flush()
	}
}

func printAllocation(out io.Writer, a *client.Allocation) {
	verb := "Allocated"
	if a.DryRun {
		verb = "Would allocate"
	}
	fmt.Fprintf(out, "%s %s (%s)\n", verb, a.SystemID, a.Hostname)

	if len(a.ConstraintMap) > 0 {
		ids := make([]int64, 0, len(a.ConstraintMap))
		for id := range a.ConstraintMap {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		fmt.Fprintln(out, "\nConstraint map:")
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, id := range ids {
			fmt.Fprintf(w, "  %d\t%s\n", id, a.ConstraintMap[id])
		}
		w.Flush()
	}
	if len(a.VerboseStorage) > 0 || len(a.VerboseInterfaces) > 0 {
		fmt.Fprintf(out, "\nCandidates: %d by storage, %d interface labels\n",
			len(a.VerboseStorage), len(a.VerboseInterfaces))
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
