// Command kapp-migrate applies or rolls back the Postgres schema
// migrations embedded in db/migrations, replacing the teacher's bbolt
// bucket-copy migration tool with a goose-driven SQL runner.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/cuemby/kapp/db/migrations"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "kapp-migrate: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("kapp-migrate", flag.ExitOnError)
	dsn := fs.String("dsn", os.Getenv("KAPP_POSTGRES_DSN"), "Postgres connection string")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("usage: kapp-migrate [-dsn DSN] <up|down|status|version>")
	}
	if *dsn == "" {
		return fmt.Errorf("-dsn or KAPP_POSTGRES_DSN must be set")
	}

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	switch cmd := fs.Arg(0); cmd {
	case "up":
		return goose.Up(db, ".")
	case "down":
		return goose.Down(db, ".")
	case "status":
		return goose.Status(db, ".")
	case "version":
		return goose.Version(db, ".")
	default:
		return fmt.Errorf("unknown command %q: want up, down, status, or version", cmd)
	}
}
