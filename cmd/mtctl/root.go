package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/gftdcojp/model-tiers/internal/config"
	"github.com/gftdcojp/model-tiers/pkg/mtclient"
	"github.com/spf13/cobra"
)

type options struct {
	addr    string
	timeout time.Duration
	json    bool
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{}
	var api *apiClient

	root := &cobra.Command{
		Use:           "mtctl",
		Short:         "Manage model residency across memory tiers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			api = newAPIClient(strings.TrimRight(opts.addr, "/"), opts.timeout)
		},
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&opts.addr, "addr", "http://localhost:8080", "model-tiers API address")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 6*time.Minute, "HTTP request timeout")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "print raw JSON")

	// render prints v as JSON with --json, otherwise through table.
	render := func(v any, table func(w *tabwriter.Writer)) error {
		if opts.json || table == nil {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(v)
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		table(w)
		return w.Flush()
	}

	versionCmd := &cobra.Command{Use: "version", Short: "Show version", Args: cobra.NoArgs, RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(out, "mtctl %s\n", version)
		return nil
	}}

	statusCmd := &cobra.Command{Use: "status", Short: "Show overall status", Args: cobra.NoArgs, RunE: func(cmd *cobra.Command, args []string) error {
		var v map[string]any
		if err := api.do("GET", "/v1/status", nil, nil, &v); err != nil {
			return err
		}
		return render(v, nil)
	}}

	// tiers
	tiersCmd := &cobra.Command{Use: "tiers", Short: "Show tier budgets", Args: cobra.NoArgs, RunE: func(cmd *cobra.Command, args []string) error {
		var budgets []mtclient.Budget
		if err := api.do("GET", "/v1/tiers", nil, nil, &budgets); err != nil {
			return err
		}
		return render(budgets, func(w *tabwriter.Writer) { printBudgets(w, budgets) })
	}}
	var capacity, reserved string
	tiersSetCmd := &cobra.Command{
		Use:     "set <tier>",
		Short:   "Update a tier's capacity or reserved bytes",
		Example: "  mtctl tiers set fast --capacity 6GB --reserved 1GB",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var budgets []mtclient.Budget
			if err := api.do("GET", "/v1/tiers", nil, nil, &budgets); err != nil {
				return err
			}
			var limits *tierLimits
			for _, b := range budgets {
				if b.Tier == args[0] {
					limits = &tierLimits{Capacity: b.Capacity, Reserved: b.Reserved}
				}
			}
			if limits == nil {
				return fmt.Errorf("unknown tier %q", args[0])
			}
			if capacity != "" {
				n, err := config.ParseByteSize(capacity)
				if err != nil {
					return fmt.Errorf("--capacity: %w", err)
				}
				limits.Capacity = n
			}
			if cmd.Flags().Changed("reserved") {
				n, err := config.ParseByteSize(reserved)
				if err != nil {
					return fmt.Errorf("--reserved: %w", err)
				}
				limits.Reserved = n
			}
			body := map[string]tierLimits{args[0]: *limits}
			if err := api.do("PUT", "/v1/tiers", nil, body, &budgets); err != nil {
				return err
			}
			return render(budgets, func(w *tabwriter.Writer) { printBudgets(w, budgets) })
		},
	}
	tiersSetCmd.Flags().StringVar(&capacity, "capacity", "", "new capacity, e.g. 6GB")
	tiersSetCmd.Flags().StringVar(&reserved, "reserved", "", "new always-free margin, e.g. 512MB")
	tiersCmd.AddCommand(tiersSetCmd)

	// resources
	resourcesCmd := &cobra.Command{Use: "resources", Aliases: []string{"ls"}, Short: "List registered resources", Args: cobra.NoArgs, RunE: func(cmd *cobra.Command, args []string) error {
		var list []mtclient.Resource
		if err := api.do("GET", "/v1/resources", nil, nil, &list); err != nil {
			return err
		}
		return render(list, func(w *tabwriter.Writer) {
			fmt.Fprintln(w, "NAME\tSIZE\tAFFINITY\tSTATE\tTIER\tUSES\tPRIORITY\tCAPABILITIES")
			for _, r := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					r.Name, formatBytes(r.SizeBytes), r.TierAffinity, r.Instance.State, dash(r.Instance.Tier),
					r.Instance.UsageCount, r.Priority, strings.Join(r.Capabilities, ","))
			}
		})
	}}

	resourceCmd := &cobra.Command{Use: "resource <name>", Short: "Show one resource", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		var r mtclient.Resource
		if err := api.do("GET", "/v1/resources/"+url.PathEscape(args[0]), nil, nil, &r); err != nil {
			return err
		}
		return render(r, nil)
	}}

	var reg struct {
		size, tier, priority, source, checksum string
		caps                                   []string
	}
	registerCmd := &cobra.Command{
		Use:     "register <name>",
		Short:   "Register a resource",
		Example: "  mtctl register coder --size 7GB --tier fast --cap code-generation,reasoning",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"name":          args[0],
				"size":          reg.size,
				"tier_affinity": reg.tier,
				"capabilities":  reg.caps,
				"priority":      reg.priority,
				"source":        reg.source,
				"checksum":      reg.checksum,
			}
			var r mtclient.Resource
			if err := api.do("POST", "/v1/resources", nil, body, &r); err != nil {
				return err
			}
			return render(r, nil)
		},
	}
	registerCmd.Flags().StringVar(&reg.size, "size", "", "memory footprint, e.g. 4GB")
	registerCmd.Flags().StringVar(&reg.tier, "tier", "slow", "tier affinity: fast|medium|slow")
	registerCmd.Flags().StringSliceVar(&reg.caps, "cap", nil, "capabilities")
	registerCmd.Flags().StringVar(&reg.priority, "priority", "normal", "low|normal|high")
	registerCmd.Flags().StringVar(&reg.source, "source", "", "payload file")
	registerCmd.Flags().StringVar(&reg.checksum, "checksum", "", "sha256 of the payload")
	registerCmd.MarkFlagRequired("size")

	// jobs
	var wait time.Duration
	submit := func(path string, body any) error {
		q := url.Values{}
		if wait > 0 {
			q.Set("wait", wait.String())
		}
		var j mtclient.Job
		if err := api.do("POST", path, q, body, &j); err != nil {
			return err
		}
		return render(j, func(w *tabwriter.Writer) { printJobs(w, []mtclient.Job{j}) })
	}

	migrateCmd := &cobra.Command{Use: "migrate <name> <tier>", Short: "Load, promote or demote a resource into a tier", Args: cobra.ExactArgs(2), RunE: func(cmd *cobra.Command, args []string) error {
		return submit("/v1/resources/"+url.PathEscape(args[0])+"/migrate", map[string]string{"target_tier": args[1]})
	}}
	loadCmd := &cobra.Command{Use: "load <name>", Short: "Load a resource into its affinity tier", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		return submit("/v1/resources/"+url.PathEscape(args[0])+"/load", nil)
	}}
	var toCache bool
	unloadCmd := &cobra.Command{Use: "unload <name>", Short: "Unload a resource", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		return submit("/v1/resources/"+url.PathEscape(args[0])+"/unload", map[string]bool{"to_cache": toCache})
	}}
	unloadCmd.Flags().BoolVar(&toCache, "to-cache", false, "keep the payload in the blob cache")
	for _, c := range []*cobra.Command{migrateCmd, loadCmd, unloadCmd} {
		c.Flags().DurationVar(&wait, "wait", 0, "wait up to this long for the job to finish")
	}

	var jobResource string
	jobsCmd := &cobra.Command{Use: "jobs", Short: "List migration jobs", Args: cobra.NoArgs, RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if jobResource != "" {
			q.Set("resource", jobResource)
		}
		var jobs []mtclient.Job
		if err := api.do("GET", "/v1/jobs", q, nil, &jobs); err != nil {
			return err
		}
		return render(jobs, func(w *tabwriter.Writer) { printJobs(w, jobs) })
	}}
	jobsCmd.Flags().StringVar(&jobResource, "resource", "", "only jobs of this resource")

	jobCmd := &cobra.Command{Use: "job <id>", Short: "Show one job", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if wait > 0 {
			q.Set("wait", wait.String())
		}
		var j mtclient.Job
		if err := api.do("GET", "/v1/jobs/"+url.PathEscape(args[0]), q, nil, &j); err != nil {
			return err
		}
		return render(j, nil)
	}}
	jobCmd.Flags().DurationVar(&wait, "wait", 0, "wait up to this long for the job to finish")

	// requests
	var req mtclient.Request
	addRequestFlags := func(c *cobra.Command) {
		c.Flags().StringSliceVar(&req.Capabilities, "cap", nil, "required capabilities")
		c.Flags().StringVar(&req.Class, "class", "", "speed|quality|balanced")
		c.Flags().StringVar(&req.Preference, "prefer", "", "preferred resource")
	}
	selectCmd := &cobra.Command{Use: "select", Short: "Show which resource a request would use", Args: cobra.NoArgs, RunE: func(cmd *cobra.Command, args []string) error {
		var sel mtclient.Selection
		if err := api.do("POST", "/v1/select", nil, req, &sel); err != nil {
			return err
		}
		return render(sel, func(w *tabwriter.Writer) {
			fmt.Fprintln(w, "RESOURCE\tFELL_BACK\tREASON")
			fmt.Fprintf(w, "%s\t%t\t%s\n", sel.Resource, sel.FellBack, sel.Reason)
		})
	}}
	addRequestFlags(selectCmd)

	execCmd := &cobra.Command{Use: "exec <payload>", Short: "Execute a request and print the result", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		req.Payload = args[0]
		var res mtclient.Result
		if err := api.do("POST", "/v1/requests", nil, req, &res); err != nil {
			return err
		}
		if opts.json {
			return render(res, nil)
		}
		fmt.Fprintf(out, "[%s] %s\n", res.Resource, res.Result)
		return nil
	}}
	addRequestFlags(execCmd)

	root.AddCommand(versionCmd, statusCmd, tiersCmd, resourcesCmd, resourceCmd, registerCmd,
		migrateCmd, loadCmd, unloadCmd, jobsCmd, jobCmd, selectCmd, execCmd)
	return root
}

type tierLimits struct {
	Capacity int64 `json:"capacity"`
	Reserved int64 `json:"reserved"`
}

func printBudgets(w io.Writer, budgets []mtclient.Budget) {
	fmt.Fprintln(w, "TIER\tCAPACITY\tRESERVED\tUSED\tFREE\tUTIL\tRESIDENTS")
	for _, b := range budgets {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.0f%%\t%d\n",
			b.Tier, formatBytes(b.Capacity), formatBytes(b.Reserved), formatBytes(b.Used),
			formatBytes(b.Free), b.Utilization*100, b.Residents)
	}
}

func printJobs(w io.Writer, jobs []mtclient.Job) {
	fmt.Fprintln(w, "ID\tRESOURCE\tOP\tFROM\tTO\tSTATUS\tPROGRESS\tESTIMATE\tERROR")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%.0f%%\t%s\t%s\n",
			j.ID, j.Resource, j.Operation, dash(j.SourceTier), dash(j.TargetTier), j.Status,
			j.Progress*100, j.TimeEstimate.Round(time.Millisecond), j.Error)
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%cB", float64(n)/float64(div), "KMGTPE"[exp])
}

func dash(s string) string {
	if s == "" || s == "none" {
		return "-"
	}
	return s
}
