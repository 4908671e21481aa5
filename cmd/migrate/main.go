package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"vaultgate.io/internal/auth"
	"vaultgate.io/internal/entity"
	"vaultgate.io/internal/migrate"
)

func main() {
	log.SetFlags(0)
	var (
		dsn            = flag.String("dsn", os.Getenv("VAULTGATE_PG_DSN"), "PostgreSQL DSN")
		migrationsPath = flag.String("migrations", "migrations", "Path to SQL migrations")
		seedsPath      = flag.String("seeds", "migrations/seeds", "Path to SQL seeds")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or VAULTGATE_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|demo|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	mgr := migrate.NewManager(db, *migrationsPath, *seedsPath)

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "demo":
		err = provisionDemo(ctx, db)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}

// provisionDemo creates a local tenant, user, and API token for development.
// Identity IDs are content-addressed and password hashes are salted, so this
// cannot be expressed as a static SQL seed; it goes through the same
// provisioning path the admin plane uses. Idempotent: re-running it re-affirms
// the same identities.
func provisionDemo(ctx context.Context, db *sql.DB) error {
	store := entity.NewPostgres(db)

	tenant, err := auth.ProvisionTenant(ctx, store, "demo", "Demo Tenant")
	if err != nil {
		return err
	}
	if _, err := auth.ProvisionUser(ctx, store, tenant, "alice", "Secret1!", "admin"); err != nil {
		return err
	}
	if _, err := auth.ProvisionAPIToken(ctx, store, tenant, "demo-token", time.Time{}); err != nil {
		return err
	}

	fmt.Println("demo tenant ready")
	fmt.Printf("  tenant_id: %s\n", tenant.String())
	fmt.Println("  api token: demo-token")
	fmt.Println("  user:      alice / Secret1!")
	return nil
}
