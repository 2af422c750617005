// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Command spallocctl is spallocd's operator tool: load a machine
// description, list machines and boards, enable/disable boards, inspect
// jobs and trigger waitFor. SPEC_FULL.md §6 carries no job/board/machine
// network RPC surface, so spallocctl opens the same catalogue file
// spallocd does and drives an in-process admission.Service directly,
// performing one operation per invocation and exiting.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/spalloc/spallocd/internal/admission"
	"github.com/spalloc/spallocd/internal/bmp"
	"github.com/spalloc/spallocd/internal/epoch"
	"github.com/spalloc/spallocd/internal/machineload"
	"github.com/spalloc/spallocd/internal/model"
	"github.com/spalloc/spallocd/internal/store"
	"github.com/spalloc/spallocd/internal/store/boltstore"
	"github.com/spalloc/spallocd/internal/store/memstore"
	"github.com/spalloc/spallocd/internal/topology"
	"github.com/spalloc/spallocd/pkg/config"
)

// Version is set at build time.
var Version = "dev"

var (
	configPath string
	dbPath     string
	outputFmt  string

	rootCmd = &cobra.Command{
		Use:     "spallocctl",
		Short:   "Operator CLI for spallocd",
		Long:    `Load machine descriptions, list machines and boards, toggle board state, inspect jobs and wait for catalogue changes.`,
		Version: Version,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to spallocd's YAML configuration document")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "catalogue database path, overriding db.path from --config")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "output format: table, json")

	rootCmd.AddCommand(machinesCmd, boardsCmd, jobsCmd, waitCmd)
	machinesCmd.AddCommand(machinesLoadCmd, machinesListCmd, machinesBoardsCmd)
	boardsCmd.AddCommand(boardsEnableCmd, boardsDisableCmd)
	jobsCmd.AddCommand(jobsDescribeCmd, jobsSubmachineCmd, jobsDestroyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openService loads the configuration, opens the catalogue store it
// names, and builds an admission.Service without starting its background
// loops — spallocctl performs one operation and exits, it never ticks
// the allocation engine or polls BMPs.
func openService() (admission.Service, store.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading configuration: %w", err)
	}
	if dbPath != "" {
		cfg.DB.Path = dbPath
	}

	var st store.Store
	if cfg.DB.Path == "" {
		st = memstore.New()
	} else {
		st, err = boltstore.Open(cfg.DB.Path, cfg.DB.Timeout)
		if err != nil {
			return nil, nil, fmt.Errorf("opening catalogue store: %w", err)
		}
	}

	svc := admission.New(st, bmp.NewDummyTransceiver(), *cfg, nil)
	return svc, st, nil
}

// withService runs fn against a freshly opened service, closing the
// store afterwards regardless of fn's outcome.
func withService(fn func(ctx context.Context, svc admission.Service) error) error {
	svc, st, err := openService()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	return fn(context.Background(), svc)
}

var titleCaser = cases.Title(language.English)

// displayTitle renders an enum's all-caps/lowercase String() form (QUEUED,
// on, done) as a title-cased word for table output.
func displayTitle(s string) string {
	return titleCaser.String(strings.ToLower(s))
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- machines ---

var machinesCmd = &cobra.Command{
	Use:   "machines",
	Short: "Inspect and load machine catalogue entries",
}

var machinesLoadCmd = &cobra.Command{
	Use:   "load FILE",
	Short: "Load a machine description document (YAML or JSON)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		doc, err := machineload.Parse(data)
		if err != nil {
			return err
		}

		return withService(func(ctx context.Context, svc admission.Service) error {
			results, err := svc.LoadMachines(ctx, doc)
			if err != nil {
				return err
			}
			if outputFmt == "json" {
				return printJSON(results)
			}
			fmt.Printf("%-20s %-10s %-12s %-12s\n", "MACHINE", "OUTCOME", "BOARDS", "LINKS")
			for _, r := range results {
				fmt.Printf("%-20s %-10v %-12d %-12d\n", r.MachineName, r.Outcome, r.BoardsLoaded, r.LinksLoaded)
			}
			return nil
		})
	},
}

var machinesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every machine in the catalogue",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc admission.Service) error {
			machines, err := svc.ListMachines(ctx)
			if err != nil {
				return err
			}
			if outputFmt == "json" {
				return printJSON(machines)
			}
			fmt.Printf("%-20s %-6s %-6s %-6s %-10s %-8s %s\n", "NAME", "WIDTH", "HEIGHT", "DEPTH", "IN SVC", "BOARDS", "TAGS")
			for _, m := range machines {
				fmt.Printf("%-20s %-6d %-6d %-6d %-10t %-8d %s\n", m.Name, m.Width, m.Height, m.Depth, m.InService, m.BoardCount, strings.Join(m.Tags, ","))
			}
			return nil
		})
	},
}

var machinesBoardsCmd = &cobra.Command{
	Use:   "boards MACHINE",
	Short: "List every board on a machine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc admission.Service) error {
			boards, err := svc.ListBoards(ctx, args[0])
			if err != nil {
				return err
			}
			if outputFmt == "json" {
				return printJSON(boards)
			}
			fmt.Printf("%-6s %-12s %-16s %-8s %-8s %-12s %s\n", "ID", "TRIAD", "PHYSICAL", "ALLOC?", "FUNC?", "POWER", "COMMENT")
			for _, b := range boards {
				fmt.Printf("%-6d %-12s %-16s %-8t %-8t %-12s %s\n",
					b.ID, triadString(b.Triad), physicalString(b.Physical), b.MayAllocate, b.Functioning, displayTitle(b.Power.String()), b.Comment)
			}
			return nil
		})
	},
}

// --- boards ---

var boardsCmd = &cobra.Command{
	Use:   "boards",
	Short: "Enable or disable a board for future allocation",
}

func addSelectorFlags(cmd *cobra.Command) {
	cmd.Flags().String("machine", "", "machine name (required with --triad or --physical)")
	cmd.Flags().String("triad", "", "board triad, x,y,z")
	cmd.Flags().String("physical", "", "board physical address, cabinet,frame,board")
	cmd.Flags().String("ip", "", "board SpiNNaker IP address")
}

func selectorFromFlags(cmd *cobra.Command) (model.BoardSelector, error) {
	machine, _ := cmd.Flags().GetString("machine")
	triad, _ := cmd.Flags().GetString("triad")
	physical, _ := cmd.Flags().GetString("physical")
	ip, _ := cmd.Flags().GetString("ip")

	switch {
	case ip != "":
		return model.BoardSelector{Kind: model.SelectorIP, IP: ip}, nil
	case physical != "":
		p, err := parsePhysical(physical)
		if err != nil {
			return model.BoardSelector{}, err
		}
		return model.BoardSelector{Kind: model.SelectorPhysical, Machine: machine, Physical: p}, nil
	case triad != "":
		t, err := parseTriad(triad)
		if err != nil {
			return model.BoardSelector{}, err
		}
		return model.BoardSelector{Kind: model.SelectorTriad, Machine: machine, Triad: t}, nil
	default:
		return model.BoardSelector{}, fmt.Errorf("one of --ip, --physical or --triad is required")
	}
}

var boardsEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Allow a board to be allocated again",
	RunE: func(cmd *cobra.Command, args []string) error {
		sel, err := selectorFromFlags(cmd)
		if err != nil {
			return err
		}
		return withService(func(ctx context.Context, svc admission.Service) error {
			return svc.SetBoardState(ctx, sel, true, "")
		})
	},
}

var boardsDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Withdraw a board from future allocation",
	RunE: func(cmd *cobra.Command, args []string) error {
		sel, err := selectorFromFlags(cmd)
		if err != nil {
			return err
		}
		comment, _ := cmd.Flags().GetString("comment")
		return withService(func(ctx context.Context, svc admission.Service) error {
			return svc.SetBoardState(ctx, sel, false, comment)
		})
	},
}

func init() {
	addSelectorFlags(boardsEnableCmd)
	addSelectorFlags(boardsDisableCmd)
	boardsDisableCmd.Flags().String("comment", "", "operator note recorded against the board")
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and destroy jobs",
}

var jobsDescribeCmd = &cobra.Command{
	Use:   "describe JOB_ID",
	Short: "Show one job's state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid job id %q: %w", args[0], err)
		}
		return withService(func(ctx context.Context, svc admission.Service) error {
			j, err := svc.DescribeJob(ctx, jobID)
			if err != nil {
				return err
			}
			if outputFmt == "json" {
				return printJSON(j)
			}
			fmt.Printf("Job ID:     %d\n", j.ID)
			fmt.Printf("Handle:     %s\n", j.Handle)
			fmt.Printf("Owner:      %s\n", j.Owner)
			fmt.Printf("State:      %s\n", displayTitle(j.State.String()))
			fmt.Printf("Machine ID: %d\n", j.MachineID)
			fmt.Printf("Dimensions: %dx%d\n", j.Width, j.Height)
			fmt.Printf("Created:    %s\n", j.CreatedAt.Format(time.DateTime))
			if j.State == model.JobDestroyed {
				fmt.Printf("Destroyed:  %s (%s)\n", j.DestroyedAt.Format(time.DateTime), j.DeathReason)
			}
			return nil
		})
	},
}

var jobsSubmachineCmd = &cobra.Command{
	Use:   "submachine JOB_ID",
	Short: "Show the boards and connection triples allocated to a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid job id %q: %w", args[0], err)
		}
		return withService(func(ctx context.Context, svc admission.Service) error {
			sub, err := svc.DescribeSubmachine(ctx, jobID)
			if err != nil {
				return err
			}
			if outputFmt == "json" {
				return printJSON(sub)
			}
			fmt.Printf("Dimensions: %dx%dx%d\n", sub.Width, sub.Height, sub.Depth)
			fmt.Printf("Boards:     %d\n", len(sub.Boards))
			for _, c := range sub.Connections {
				fmt.Printf("  chip (%d,%d) -> %s:%d\n", c.ChipX, c.ChipY, c.IP, c.Port)
			}
			return nil
		})
	},
}

var jobsDestroyCmd = &cobra.Command{
	Use:   "destroy JOB_ID",
	Short: "Destroy a job and release its boards",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid job id %q: %w", args[0], err)
		}
		reason, _ := cmd.Flags().GetString("reason")
		return withService(func(ctx context.Context, svc admission.Service) error {
			if err := svc.DestroyJob(ctx, jobID, reason); err != nil {
				return err
			}
			fmt.Printf("job %d destroyed\n", jobID)
			return nil
		})
	},
}

func init() {
	jobsDestroyCmd.Flags().String("reason", "operator request", "reason recorded on the job")
}

// --- wait ---

var waitCmd = &cobra.Command{
	Use:   "wait",
	Short: "Block until a catalogue domain's epoch advances past a known value",
	Long: `Blocks until the named domain's epoch exceeds --epoch or --timeout
elapses. Since spallocctl opens its own store handle rather than talking
to a running spallocd over a network, this only observes changes made by
spallocctl itself within the same invocation; it has no way to see a
separately-running daemon's epoch advance.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		domainFlag, _ := cmd.Flags().GetString("domain")
		knownEpoch, _ := cmd.Flags().GetInt64("epoch")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		domain, err := parseDomain(domainFlag)
		if err != nil {
			return err
		}

		return withService(func(ctx context.Context, svc admission.Service) error {
			got, err := svc.WaitFor(ctx, domain, knownEpoch, timeout)
			if err != nil {
				return err
			}
			fmt.Printf("%s epoch: %d\n", domainFlag, got)
			return nil
		})
	},
}

func init() {
	waitCmd.Flags().String("domain", "machine", "epoch domain: machine, job or blacklist")
	waitCmd.Flags().Int64("epoch", 0, "last epoch value observed by the caller")
	waitCmd.Flags().Duration("timeout", 30*time.Second, "how long to block before returning")
}

func parseDomain(s string) (epoch.Domain, error) {
	switch strings.ToLower(s) {
	case "machine":
		return epoch.Machine, nil
	case "job":
		return epoch.Job, nil
	case "blacklist":
		return epoch.Blacklist, nil
	default:
		return 0, fmt.Errorf("unknown epoch domain %q: want machine, job or blacklist", s)
	}
}

func parseTriad(s string) (topology.Triad, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return topology.Triad{}, fmt.Errorf("triad %q must be x,y,z", s)
	}
	x, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	y, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	z, err3 := strconv.Atoi(strings.TrimSpace(parts[2]))
	if err1 != nil || err2 != nil || err3 != nil {
		return topology.Triad{}, fmt.Errorf("triad %q must be three integers", s)
	}
	return topology.Triad{X: x, Y: y, Z: z}, nil
}

func parsePhysical(s string) (model.Physical, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return model.Physical{}, fmt.Errorf("physical address %q must be cabinet,frame,board", s)
	}
	c, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	f, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	b, err3 := strconv.Atoi(strings.TrimSpace(parts[2]))
	if err1 != nil || err2 != nil || err3 != nil {
		return model.Physical{}, fmt.Errorf("physical address %q must be three integers", s)
	}
	return model.Physical{Cabinet: c, Frame: f, Board: b}, nil
}

func triadString(t topology.Triad) string {
	return fmt.Sprintf("%d,%d,%d", t.X, t.Y, t.Z)
}

func physicalString(p model.Physical) string {
	return fmt.Sprintf("%d,%d,%d", p.Cabinet, p.Frame, p.Board)
}
