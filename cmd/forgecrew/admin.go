package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"syscall"
	"text/tabwriter"

	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/forgecrew/forgecrew/internal/adapter/postgres"
	"github.com/forgecrew/forgecrew/internal/config"
	"github.com/forgecrew/forgecrew/internal/logger"
	"github.com/forgecrew/forgecrew/internal/port/database"
	"github.com/forgecrew/forgecrew/internal/service"
)

// runAdmin dispatches admin subcommands (set-credential, add-repo, list-repos).
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "set-credential":
		return runAdminSetCredential(args[1:])
	case "add-repo":
		return runAdminAddRepo(args[1:])
	case "list-repos":
		return runAdminListRepos(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: forgecrew admin <command> [options]

Commands:
  set-credential   Seal and store an agent API credential for a user
  add-repo         Register a repository for orchestration
  list-repos       List registered repositories
  help             Show this help message

Examples:
  forgecrew admin set-credential --user user-1
  forgecrew admin add-repo --name backend --url https://git.example/acme/backend.git
  forgecrew admin list-repos
`)
}

func loadAdminDeps() (database.Store, *config.Config, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	pool, err := postgres.NewPool(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to database: %w", err)
	}

	return postgres.NewStore(pool), cfg, pool.Close, nil
}

func runAdminSetCredential(args []string) error {
	fs := flag.NewFlagSet("set-credential", flag.ContinueOnError)
	userID := fs.String("user", "", "user id (required)")
	name := fs.String("name", "default", "credential name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID == "" {
		return fmt.Errorf("--user is required")
	}

	key, err := promptSecret("API key: ")
	if err != nil {
		return fmt.Errorf("read key: %w", err)
	}
	if key == "" {
		return fmt.Errorf("empty API key")
	}

	store, cfg, cleanup, err := loadAdminDeps()
	if err != nil {
		return err
	}
	defer cleanup()

	creds, err := service.NewCredentialService(store, cfg.Credential, logger.New(cfg.Logging))
	if err != nil {
		return fmt.Errorf("credential service: %w", err)
	}
	if err := creds.Store(context.Background(), *userID, *name, key); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Credential sealed for %s\n", *userID)
	return nil
}

func runAdminAddRepo(args []string) error {
	fs := flag.NewFlagSet("add-repo", flag.ContinueOnError)
	name := fs.String("name", "", "repository name (required)")
	url := fs.String("url", "", "clone URL (required)")
	branch := fs.String("branch", "main", "default branch")
	owner := fs.String("owner", "", "owning user id (empty means shared)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" || *url == "" {
		return fmt.Errorf("--name and --url are required")
	}

	store, _, cleanup, err := loadAdminDeps()
	if err != nil {
		return err
	}
	defer cleanup()

	repo := &database.Repository{
		ID:            uuid.NewString(),
		Name:          *name,
		OwnerID:       *owner,
		CloneURL:      *url,
		DefaultBranch: *branch,
	}
	if err := store.CreateRepository(context.Background(), repo); err != nil {
		return fmt.Errorf("add repo: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Repository registered: %s (id=%s)\n", repo.Name, repo.ID)
	return nil
}

func runAdminListRepos(args []string) error {
	fs := flag.NewFlagSet("list-repos", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, _, cleanup, err := loadAdminDeps()
	if err != nil {
		return err
	}
	defer cleanup()

	repos, err := store.ListRepositories(context.Background())
	if err != nil {
		return fmt.Errorf("list repos: %w", err)
	}
	if len(repos) == 0 {
		fmt.Println("No repositories registered.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tCLONE_URL\tDEFAULT_BRANCH")
	for i := range repos {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			repos[i].ID, repos[i].Name, repos[i].CloneURL, repos[i].DefaultBranch)
	}
	return w.Flush()
}

// promptSecret reads a secret from the terminal without echoing.
func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin)) //nolint:unconvert // int conversion needed on some platforms
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
