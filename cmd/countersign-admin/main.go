package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/parchmint/countersign/approval"
	"github.com/parchmint/countersign/config"
	"github.com/parchmint/countersign/db"
	"github.com/parchmint/countersign/mailbox"
	"github.com/parchmint/countersign/mailer"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "create-document":
		handleCreateDocument()
	case "request":
		handleRequest()
	case "resolve":
		handleResolve()
	case "revoke":
		handleRevoke()
	case "check":
		handleCheck()
	case "show":
		handleShow()
	case "audit":
		handleAudit()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`Countersign Admin Tool

Usage:
  countersign-admin <command> [options]

Commands:
  create-document  Create a new document in draft status
  request          Send an approval request for a document
  resolve          Apply an approval decision without a mail reply
  revoke           Withdraw a pending approval token
  check            Run a single approval check against the mailbox
  show             Show a document with its approval tokens
  audit            Show the audit trail
  help             Show this help message

Examples:
  countersign-admin create-document --title "Budget Q3" --author 1
  countersign-admin request --document 1 --approver reviewer@example.com --requested-by author@example.com
  countersign-admin resolve --token CS-... --outcome approve --actor admin@example.com
  countersign-admin check
  countersign-admin audit --document 1

Use 'countersign-admin <command> --help' for more information about a command.
`)
}

// loadConfig loads the shared configuration file, tolerating a missing
// default path the same way the daemon does.
func loadConfig(fs *flag.FlagSet, configPath string) config.Config {
	cfg := config.NewDefaultConfig()
	if err := config.Load(configPath, &cfg); err != nil {
		if os.IsNotExist(err) {
			if isFlagSet(fs, "config") {
				log.Fatalf("ERROR: specified configuration file '%s' not found: %v", configPath, err)
			}
			log.Printf("WARNING: default configuration file '%s' not found. Using defaults.", configPath)
		} else {
			log.Fatalf("FATAL: error loading configuration file '%s': %v", configPath, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("FATAL: invalid configuration: %v", err)
	}
	return cfg
}

func isFlagSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func connect(ctx context.Context, cfg *config.Config) *db.Database {
	database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	return database
}

func handleCreateDocument() {
	fs := flag.NewFlagSet("create-document", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	title := fs.String("title", "", "Document title (required)")
	author := fs.Int64("author", 0, "Author ID")
	fs.Parse(os.Args[2:])

	if *title == "" {
		fmt.Printf("Error: --title is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(fs, *configPath)
	ctx := context.Background()
	database := connect(ctx, &cfg)
	defer database.Close()

	doc, err := database.CreateDocument(ctx, *title, *author)
	if err != nil {
		log.Fatalf("Failed to create document: %v", err)
	}
	fmt.Printf("Created document %d: %s (%s)\n", doc.ID, doc.Title, doc.Status)
}

func handleRequest() {
	fs := flag.NewFlagSet("request", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	documentID := fs.Int64("document", 0, "Document ID (required)")
	approver := fs.String("approver", "", "Approver email address (required)")
	requestedBy := fs.String("requested-by", "", "Requester recorded in the audit trail")
	fs.Parse(os.Args[2:])

	if *documentID == 0 || *approver == "" {
		fmt.Printf("Error: --document and --approver are required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(fs, *configPath)
	ctx := context.Background()
	database := connect(ctx, &cfg)
	defer database.Close()

	service, err := approval.NewService(database, mailer.NewSMTPSender(cfg.SMTP), &cfg)
	if err != nil {
		log.Fatalf("Failed to set up approval service: %v", err)
	}

	token, err := service.RequestApproval(ctx, *documentID, *approver, *requestedBy)
	if err != nil {
		log.Fatalf("Failed to request approval: %v", err)
	}

	fmt.Printf("Approval requested from %s for document %d\n", token.ApproverEmail, token.DocumentID)
	fmt.Printf("Token: %s\n", token.ID)
	if token.ExpiresAt != nil {
		fmt.Printf("Expires: %s\n", token.ExpiresAt.Format(time.RFC1123Z))
	}
}

func handleResolve() {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	tokenID := fs.String("token", "", "Token ID (required)")
	outcome := fs.String("outcome", "", "Decision outcome: approve or reject (required)")
	actor := fs.String("actor", "", "Who makes the decision (required)")
	fs.Parse(os.Args[2:])

	if *tokenID == "" || *actor == "" {
		fmt.Printf("Error: --token and --actor are required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	var decision db.DecisionOutcome
	switch *outcome {
	case "approve":
		decision = db.OutcomeApprove
	case "reject":
		decision = db.OutcomeReject
	default:
		fmt.Printf("Error: --outcome must be 'approve' or 'reject'\n\n")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(fs, *configPath)
	ctx := context.Background()
	database := connect(ctx, &cfg)
	defer database.Close()

	result, err := database.ApplyDecision(ctx, *tokenID, decision, "", *actor)
	if err != nil {
		log.Fatalf("Failed to resolve token: %v", err)
	}

	switch result.Status {
	case db.ApplyApplied:
		fmt.Printf("Decision applied: document %d moved %s -> %s\n", result.Token.DocumentID, result.OldStatus, result.NewStatus)
	case db.ApplyAlreadyConsumed:
		fmt.Printf("Token %s was already consumed\n", *tokenID)
	default:
		fmt.Printf("Decision not applied (%s): %s\n", result.Status, result.Reason)
		os.Exit(1)
	}
}

func handleRevoke() {
	fs := flag.NewFlagSet("revoke", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	tokenID := fs.String("token", "", "Token ID (required)")
	actor := fs.String("actor", "", "Who revokes the token (required)")
	fs.Parse(os.Args[2:])

	if *tokenID == "" || *actor == "" {
		fmt.Printf("Error: --token and --actor are required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(fs, *configPath)
	ctx := context.Background()
	database := connect(ctx, &cfg)
	defer database.Close()

	if err := database.RevokeToken(ctx, *tokenID, *actor); err != nil {
		log.Fatalf("Failed to revoke token: %v", err)
	}
	fmt.Printf("Token %s revoked\n", *tokenID)
}

func handleCheck() {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Parse(os.Args[2:])

	cfg := loadConfig(fs, *configPath)
	ctx := context.Background()
	database := connect(ctx, &cfg)
	defer database.Close()

	checkInterval, err := cfg.Engine.GetCheckInterval()
	if err != nil {
		log.Fatalf("Invalid check interval: %v", err)
	}

	engine := approval.NewEngine(
		mailbox.New(cfg.IMAP),
		&approval.StoreApplier{Store: database},
		database,
		checkInterval,
	)

	summary, err := engine.RunCheck(ctx)
	if err != nil {
		log.Fatalf("Approval check failed: %v", err)
	}
	fmt.Println(summary.String())
}

func handleShow() {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	documentID := fs.Int64("document", 0, "Document ID (required)")
	fs.Parse(os.Args[2:])

	if *documentID == 0 {
		fmt.Printf("Error: --document is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(fs, *configPath)
	ctx := context.Background()
	database := connect(ctx, &cfg)
	defer database.Close()

	doc, err := database.GetDocument(ctx, *documentID)
	if err != nil {
		log.Fatalf("Failed to load document: %v", err)
	}

	fmt.Printf("Document %d: %s\n", doc.ID, doc.Title)
	fmt.Printf("Status:   %s\n", doc.Status)
	fmt.Printf("Author:   %d\n", doc.AuthorID)
	fmt.Printf("Modified: %s\n", doc.ModifiedAt.Format(time.RFC1123Z))

	tokens, err := database.GetTokensByDocument(ctx, *documentID)
	if err != nil {
		log.Fatalf("Failed to load tokens: %v", err)
	}
	if len(tokens) > 0 {
		fmt.Println("\nTokens:")
		for _, t := range tokens {
			line := fmt.Sprintf("  %s  %-10s %s", t.ID, t.Status, t.ApproverEmail)
			if t.ExpiresAt != nil {
				line += fmt.Sprintf("  expires %s", t.ExpiresAt.Format(time.RFC3339))
			}
			fmt.Println(line)
		}
	}
}

func handleAudit() {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	documentID := fs.Int64("document", 0, "Limit to one document")
	limit := fs.Int("limit", 50, "Maximum number of entries")
	fs.Parse(os.Args[2:])

	cfg := loadConfig(fs, *configPath)
	ctx := context.Background()
	database := connect(ctx, &cfg)
	defer database.Close()

	var entries []*db.AuditEntry
	var err error
	if *documentID != 0 {
		entries, err = database.ListAuditByDocument(ctx, *documentID, *limit, 0)
	} else {
		entries, err = database.ListRecentAudit(ctx, *limit)
	}
	if err != nil {
		log.Fatalf("Failed to load audit trail: %v", err)
	}

	for _, e := range entries {
		doc := "-"
		if e.DocumentID != nil {
			doc = fmt.Sprintf("%d", *e.DocumentID)
		}
		fmt.Printf("%s  doc=%s  %-18s %-24s %s\n",
			e.CreatedAt.Format("2006-01-02 15:04:05"), doc, e.Action, e.Actor, e.Details)
	}
}
