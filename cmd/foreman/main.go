package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ldi/foreman/internal/agent"
	"github.com/ldi/foreman/internal/db"
	"github.com/ldi/foreman/internal/graph"
	"github.com/ldi/foreman/internal/mcp"
	"github.com/ldi/foreman/internal/scheduler"
	"github.com/ldi/foreman/internal/server"
	"github.com/ldi/foreman/internal/ui"
	"github.com/ldi/foreman/internal/worktree"
	"github.com/ldi/foreman/pkg/models"
)

var (
	dbPath       string
	snapshotPath string
	repoDir      string
	verbose      bool
)

func main() {
	flag.StringVar(&dbPath, "db-path", ".foreman/foreman.db", "Path to database file")
	flag.StringVar(&snapshotPath, "snapshot-path", ".foreman/snapshot.jsonl", "Path to snapshot file")
	flag.StringVar(&repoDir, "repo-dir", ".", "Path to the git repository")
	flag.BoolVar(&verbose, "verbose", false, "Enable verbose logging")
	flag.Parse()

	var command string
	var args []string

	if flag.NArg() == 0 {
		selected, err := ui.RunMenu()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error running menu: %v\n", err)
			os.Exit(1)
		}
		if selected == "" {
			os.Exit(0)
		}
		command = selected
		args = []string{}
	} else {
		command = flag.Arg(0)
		args = flag.Args()[1:]
	}

	var err error
	switch command {
	case "init":
		err = runInit(args)
	case "auto":
		err = runAuto(args)
	case "mcp":
		err = runMCP(args)
	case "web":
		err = runWeb(args)
	case "list-features":
		err = runListFeatures(args)
	case "graph":
		err = runGraph(args)
	case "worktrees":
		err = runWorktrees(args)
	case "status":
		err = runStatus(args)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runInit(args []string) error {
	targetDir := "."
	if len(args) > 0 {
		targetDir = args[0]
	}

	foremanDir := filepath.Join(targetDir, ".foreman")
	if err := os.MkdirAll(foremanDir, 0755); err != nil {
		return fmt.Errorf("failed to create .foreman directory: %w", err)
	}
	fmt.Println("✓ Created .foreman/ directory")

	gitignorePath := filepath.Join(foremanDir, ".gitignore")
	if err := os.WriteFile(gitignorePath, []byte("foreman.db*\n"), 0644); err != nil {
		return fmt.Errorf("failed to create .gitignore: %w", err)
	}
	fmt.Println("✓ Created .foreman/.gitignore")

	finalDbPath := dbPath
	if dbPath == ".foreman/foreman.db" {
		finalDbPath = filepath.Join(foremanDir, "foreman.db")
	}

	finalSnapshotPath := snapshotPath
	if snapshotPath == ".foreman/snapshot.jsonl" {
		finalSnapshotPath = filepath.Join(foremanDir, "snapshot.jsonl")
	}

	database, err := db.Open(finalDbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := context.Background()
	if err := database.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	fmt.Printf("✓ Initialized database at %s\n", finalDbPath)

	if _, err := os.Stat(finalSnapshotPath); err == nil {
		if err := database.ImportSnapshot(ctx, finalSnapshotPath); err != nil {
			return fmt.Errorf("failed to import snapshot: %w", err)
		}
		fmt.Printf("✓ Imported snapshot from %s\n", finalSnapshotPath)
	}

	fmt.Println("✓ Foreman initialized successfully")
	return nil
}

func runMCP(args []string) error {
	database, err := db.Open(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := context.Background()
	if err := database.Init(ctx); err != nil {
		return err
	}

	database.EnableAutoSnapshot(snapshotPath)

	s := mcp.NewServer(database)
	return mcp.Serve(s)
}

func runWeb(args []string) error {
	webFlags := flag.NewFlagSet("web", flag.ContinueOnError)
	port := webFlags.String("port", "8000", "Port to listen on")
	if err := webFlags.Parse(args); err != nil {
		return err
	}

	database, err := db.Open(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := context.Background()
	if err := database.Init(ctx); err != nil {
		return err
	}

	worktrees := worktree.NewProvider(repoDir)
	srv := server.NewServer(database, worktrees, nil, nil)
	return srv.Start(fmt.Sprintf(":%s", *port))
}

func runAuto(args []string) error {
	autoFlags := flag.NewFlagSet("auto", flag.ContinueOnError)
	concurrency := autoFlags.Int("concurrency", 3, "Maximum number of concurrent agent sessions")
	model := autoFlags.String("model", "opencode/gemini-3-flash", "Model to use for agent sessions")
	blocking := autoFlags.Bool("blocking", true, "Hold features back until their dependencies complete")
	exitWhenIdle := autoFlags.Bool("exit-when-idle", false, "Exit once nothing is running and nothing is eligible")
	noTUI := autoFlags.Bool("no-tui", false, "Run without the dashboard")
	enableWeb := autoFlags.Bool("web", true, "Enable web UI")
	webPort := autoFlags.String("port", "8000", "Port for web UI")
	if err := autoFlags.Parse(args); err != nil {
		return err
	}

	database, err := db.Open(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := database.Init(ctx); err != nil {
		return err
	}

	database.EnableAutoSnapshot(snapshotPath)

	worktrees := worktree.NewProvider(repoDir)
	runner := agent.NewRunner(*model)
	cfg := scheduler.NewConfig(*concurrency, *blocking)
	sched := scheduler.New(database, worktrees, runner, cfg)
	sched.ExitWhenIdle = *exitWhenIdle

	g, ctx := errgroup.WithContext(ctx)

	if *enableWeb {
		srv := server.NewServer(database, worktrees, cfg, sched.RunRecords)
		g.Go(func() error {
			if err := srv.Start(fmt.Sprintf(":%s", *webPort)); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("web server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer stop()
		if *noTUI {
			return runHeadless(ctx, sched)
		}
		return scheduler.RunTUI(ctx, sched)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// runHeadless drives the scheduler without the dashboard, echoing its event
// feed to stdout.
func runHeadless(ctx context.Context, sched *scheduler.Scheduler) error {
	go func() {
		for msg := range sched.Messages() {
			switch m := msg.(type) {
			case scheduler.FeatureAdmittedMsg:
				fmt.Printf("admitted %s (branch %s)\n", m.Name, m.Branch)
			case scheduler.FeatureRunningMsg:
				fmt.Printf("running %s\n", m.FeatureID)
			case scheduler.FeatureSettledMsg:
				if m.Success {
					fmt.Printf("settled %s\n", m.FeatureID)
				} else {
					fmt.Printf("failed %s: %s\n", m.FeatureID, m.Detail)
				}
			case scheduler.StatusMsg:
				fmt.Println(m.Message)
			case scheduler.IdleStateMsg:
				if m.Idle && verbose {
					fmt.Println("idle, waiting for features...")
				}
			}
		}
	}()

	err := sched.Run(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}

func runListFeatures(args []string) error {
	listFlags := flag.NewFlagSet("list-features", flag.ContinueOnError)
	statusFilter := listFlags.String("status", "", "Filter by status (backlog, in_progress, waiting_approval, verified, completed)")
	if err := listFlags.Parse(args); err != nil {
		return err
	}

	database, err := db.Open(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	var status *models.FeatureStatus
	if *statusFilter != "" {
		s := models.FeatureStatus(*statusFilter)
		status = &s
	}

	ctx := context.Background()
	features, err := database.ListFeatures(ctx, status)
	if err != nil {
		return err
	}

	fmt.Printf("%-30s %-18s %-10s %-20s\n", "NAME", "STATUS", "PRIORITY", "BRANCH")
	fmt.Println("--------------------------------------------------------------------------------")
	for _, f := range features {
		branch := f.BranchName
		if branch == "" {
			branch = "-"
		}
		fmt.Printf("%-30s %-18s %-10d %-20s\n", f.Name, f.Status, f.EffectivePriority(), branch)
	}
	return nil
}

func runGraph(args []string) error {
	database, err := db.Open(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := context.Background()
	snapshot, err := database.Snapshot(ctx)
	if err != nil {
		return err
	}

	report := graph.Resolve(snapshot)
	names := make(map[string]string, len(snapshot))
	for _, f := range snapshot {
		names[f.ID] = f.Name
	}

	fmt.Println("Execution order:")
	for i, f := range report.Order {
		marker := " "
		if len(report.Blocked[f.ID]) > 0 {
			marker = "*"
		}
		fmt.Printf("  %2d. %s%s (priority %d)\n", i+1, marker, f.Name, f.EffectivePriority())
	}

	if len(report.Cycles) > 0 {
		fmt.Println("\nDependency cycles:")
		for _, cycle := range report.Cycles {
			parts := make([]string, 0, len(cycle))
			for _, id := range cycle {
				parts = append(parts, names[id])
			}
			fmt.Printf("  %s\n", joinArrow(parts))
		}
	}

	if len(report.Missing) > 0 {
		fmt.Println("\nMissing dependencies:")
		for id, missing := range report.Missing {
			fmt.Printf("  %s -> %v\n", names[id], missing)
		}
	}

	return nil
}

func joinArrow(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " -> "
		}
		out += p
	}
	return out
}

func runWorktrees(args []string) error {
	provider := worktree.NewProvider(repoDir)

	ctx := context.Background()
	contexts, err := provider.List(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("%-40s %-25s %-8s %-6s\n", "PATH", "BRANCH", "PRIMARY", "DIRTY")
	fmt.Println("--------------------------------------------------------------------------------")
	for _, wc := range contexts {
		branch := wc.Branch
		if branch == "" {
			branch = "(detached)"
		}
		primary := ""
		if wc.IsPrimary {
			primary = "yes"
		}
		dirty := ""
		if wc.HasUncommittedChanges {
			dirty = "yes"
		}
		fmt.Printf("%-40s %-25s %-8s %-6s\n", wc.Path, branch, primary, dirty)
	}
	return nil
}

func runStatus(args []string) error {
	database, err := db.Open(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := context.Background()
	snapshot, err := database.Snapshot(ctx)
	if err != nil {
		return err
	}

	report := graph.Resolve(snapshot)

	// Eligibility is evaluated against the primary worktree, like the first
	// tick of auto mode would.
	primaryBranch := ""
	if branch, err := worktree.NewProvider(repoDir).PrimaryBranch(ctx); err == nil {
		primaryBranch = branch
	}
	eligible := scheduler.Eligible(snapshot, nil, primaryBranch, report.Blocked, true)

	fmt.Println("Foreman Project Status")
	fmt.Println("======================")
	fmt.Printf("Features:          %d\n", len(snapshot))
	fmt.Printf("Eligible Features: %d\n", len(eligible))

	statusCounts := make(map[models.FeatureStatus]int)
	for _, f := range snapshot {
		statusCounts[f.Status]++
	}

	fmt.Println("\nFeature Breakdown:")
	fmt.Printf("  Backlog:          %d\n", statusCounts[models.FeatureStatusBacklog])
	fmt.Printf("  In Progress:      %d\n", statusCounts[models.FeatureStatusInProgress])
	fmt.Printf("  Waiting Approval: %d\n", statusCounts[models.FeatureStatusWaitingApproval])
	fmt.Printf("  Verified:         %d\n", statusCounts[models.FeatureStatusVerified])
	fmt.Printf("  Completed:        %d\n", statusCounts[models.FeatureStatusCompleted])

	if len(report.Cycles) > 0 {
		fmt.Printf("\nDependency cycles detected: %d (run 'foreman graph' for details)\n", len(report.Cycles))
	}

	if len(eligible) > 0 {
		fmt.Println("\nNext Eligible Features:")
		for i, f := range eligible {
			if i >= 5 {
				break
			}
			fmt.Printf("  - %s (priority: %d)\n", f.Name, f.EffectivePriority())
		}
	}

	return nil
}
