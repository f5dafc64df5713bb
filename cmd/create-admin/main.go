// Command create-admin bootstraps an administrator account. Self-service
// registration needs an invite, and only an administrator can create one.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/example/labkeeper/internal/account"
	"github.com/example/labkeeper/internal/config"
	"github.com/example/labkeeper/internal/identity"
	"github.com/example/labkeeper/internal/store"
	"github.com/example/labkeeper/internal/token"
)

func main() {
	var (
		username = flag.StringP("username", "u", "", "Admin username")
		email    = flag.StringP("email", "e", "", "Admin email")
		password = flag.StringP("password", "p", "", "Admin password (prompted when empty)")
	)
	flag.Parse()

	log := logrus.New()
	cfg, err := config.New()
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	if *username == "" || *email == "" {
		flag.Usage()
		os.Exit(2)
	}
	if *password == "" {
		if *password, err = readPassword(); err != nil {
			log.Fatalf("Reading password: %v", err)
		}
	}

	var db *store.Store
	switch cfg.DBAdapter {
	case "postgres":
		db, err = store.OpenPostgres(cfg.PostgresDSN)
	case "sqlite":
		db, err = store.OpenSQLite(cfg.SQLiteFile)
	default:
		log.Fatalf("create-admin needs a persistent database, got DB_ADAPTER=%s", cfg.DBAdapter)
	}
	if err != nil {
		log.Fatalf("Opening database: %v", err)
	}
	defer db.Close()

	tokens := token.NewService(cfg.JwtSecret, cfg.AccessTTL(), cfg.RefreshTTL())
	svc, err := account.New(db, tokens, identity.NewResolver(nil, db.Queries), account.WithLogger(log))
	if err != nil {
		log.Fatalf("Building account service: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	u, err := svc.CreateAdmin(ctx, *username, *email, *password)
	if err != nil {
		log.Fatalf("Creating admin: %v", err)
	}
	log.WithFields(logrus.Fields{"id": u.ID, "username": u.Username}).Info("admin created")
}

// readPassword prompts twice without echo on a terminal and reads one line otherwise.
func readPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", err
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fmt.Fprint(os.Stderr, "Password: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	fmt.Fprint(os.Stderr, "Confirm password: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	if string(first) != string(second) {
		return "", fmt.Errorf("passwords do not match")
	}
	if len(first) == 0 {
		return "", fmt.Errorf("password must not be empty")
	}
	return string(first), nil
}
