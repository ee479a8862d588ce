package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"chatcore/internal/authn"
	"chatcore/internal/config"
	"chatcore/internal/directory"
	"chatcore/internal/domain"
	"chatcore/internal/keyvault"
	obsmw "chatcore/internal/observability/middleware"
	"chatcore/internal/store"

	"github.com/google/uuid"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "migrate":
		err = runMigrate(args)
	case "user":
		err = runUser(args)
	case "activate":
		err = runSetActive("activate", true, args)
	case "deactivate":
		err = runSetActive("deactivate", false, args)
	case "group":
		err = runGroup(args)
	case "token":
		err = runToken(args)
	default:
		usage()
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <command> [options]\n", os.Args[0])
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  migrate    Create or update the database schema")
	fmt.Fprintln(os.Stderr, "  user       Create or update a user in the identity projection")
	fmt.Fprintln(os.Stderr, "  activate   Re-enable a user account")
	fmt.Fprintln(os.Stderr, "  deactivate Disable a user account")
	fmt.Fprintln(os.Stderr, "  group      Create a chat group on behalf of a creator")
	fmt.Fprintln(os.Stderr, "  token      Mint a development HS256 access token")
	os.Exit(2)
}

// cliContext carries correlation ids for one invocation.
func cliContext(cmd string) context.Context {
	return obsmw.ContextWithIDs(context.Background(), "chatctl-"+cmd, strings.ReplaceAll(uuid.NewString(), "-", "")[:16])
}

func openStore(configPath string) (config.Config, *store.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	st, err := store.Open(store.Config{Driver: cfg.Database.Driver, DSN: cfg.Database.URL, LogSQL: cfg.LogSQL})
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, st, nil
}

func runMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("CHAT_CONFIG"), "config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	_, st, err := openStore(*configPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.AutoMigrate(cliContext("migrate")); err != nil {
		return err
	}
	fmt.Println("schema up to date")
	return nil
}

func runUser(args []string) error {
	fs := flag.NewFlagSet("user", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("CHAT_CONFIG"), "config file")
	id := fs.String("id", "", "user id (uuid); generated when empty")
	name := fs.String("name", "", "display name")
	executive := fs.Bool("executive", false, "may create groups")
	staff := fs.Bool("staff", false, "may create groups")
	superuser := fs.Bool("superuser", false, "may manage any group")
	inactive := fs.Bool("inactive", false, "mark the account inactive")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*name) == "" {
		return errors.New("-name is required")
	}
	uid := uuid.New()
	if *id != "" {
		parsed, err := uuid.Parse(*id)
		if err != nil {
			return fmt.Errorf("invalid -id: %w", err)
		}
		uid = parsed
	}

	_, st, err := openStore(*configPath)
	if err != nil {
		return err
	}
	defer st.Close()

	u := &domain.User{
		ID:          uid,
		DisplayName: strings.TrimSpace(*name),
		IsActive:    !*inactive,
		IsExecutive: *executive,
		IsStaff:     *staff,
		IsSuperuser: *superuser,
	}
	if err := st.Users().Upsert(cliContext("user"), u); err != nil {
		return err
	}
	return printJSON(map[string]any{"id": u.ID, "display_name": u.DisplayName, "active": u.IsActive})
}

func runSetActive(name string, active bool, args []string) error {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("CHAT_CONFIG"), "config file")
	id := fs.String("id", "", "user id (uuid)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	uid, err := uuid.Parse(*id)
	if err != nil {
		return fmt.Errorf("-id: %w", err)
	}
	_, st, err := openStore(*configPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Users().SetActive(cliContext(name), uid, active); err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return fmt.Errorf("user %s not found", uid)
		}
		return err
	}
	return printJSON(map[string]any{"id": uid, "active": active})
}

func runGroup(args []string) error {
	fs := flag.NewFlagSet("group", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("CHAT_CONFIG"), "config file")
	name := fs.String("name", "", "group name")
	creator := fs.String("creator", "", "creator user id")
	members := fs.String("members", "", "comma separated member user ids")
	if err := fs.Parse(args); err != nil {
		return err
	}
	creatorID, err := uuid.Parse(*creator)
	if err != nil {
		return fmt.Errorf("invalid -creator: %w", err)
	}
	var memberIDs []uuid.UUID
	for _, raw := range strings.Split(*members, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		mid, err := uuid.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid member id %q: %w", raw, err)
		}
		memberIDs = append(memberIDs, mid)
	}

	cfg, st, err := openStore(*configPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if cfg.MasterKey == "" {
		return errors.New("master_key must be configured to create conversations")
	}
	vault, err := keyvault.NewFromBase64(cfg.MasterKey)
	if err != nil {
		return err
	}

	ctx := cliContext("group")
	owner, err := st.Users().GetByID(ctx, creatorID)
	if err != nil {
		return fmt.Errorf("creator %s: %w", creatorID, err)
	}
	grp, err := directory.New(st, vault).CreateGroup(ctx, *name, owner, memberIDs)
	existed := errors.Is(err, domain.ErrDuplicateGroupName) && grp != nil
	if err != nil && !existed {
		return err
	}
	return printJSON(map[string]any{"id": grp.ID, "name": grp.Name, "existed": existed})
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("CHAT_CONFIG"), "config file")
	sub := fs.String("sub", "", "user id to issue the token for")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := uuid.Parse(*sub); err != nil {
		return fmt.Errorf("invalid -sub: %w", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	signer, err := authn.NewSigner(cfg.Auth.HS256Secret, cfg.Auth.Issuer, cfg.Auth.Audience)
	if err != nil {
		return err
	}
	tok, err := signer.Sign(*sub, *ttl, nil)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
