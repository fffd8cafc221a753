package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"identity/internal/client/authapi"
	"identity/internal/client/coordinator"
	"identity/internal/client/session"
	"identity/internal/lib/logger/handlers/slogpretty"

	"golang.org/x/term"
)

const usage = `usage: authcli [flags] <command> [args]

commands:
  register <email> [role]   create an account (role: Candidate or HR)
  login <email>             start a session
  me                        show the current user, refreshing the session if needed
  get <path>                GET a protected resource through the refresh coordinator
  logout                    end the session
`

func main() {
	var server, sessionPath string
	var verbose bool

	flag.StringVar(&server, "server", envOr("IDENTITY_URL", "http://localhost:8080"), "identity service base URL")
	flag.StringVar(&sessionPath, "session", defaultSessionPath(), "path to the local session database")
	flag.BoolVar(&verbose, "v", false, "verbose logging")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage); flag.PrintDefaults() }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, server, sessionPath, verbose, flag.Args(), os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, server, sessionPath string, verbose bool, args []string, out io.Writer) error {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slogpretty.PrettyHandlerOptions{
		SlogOpts: &slog.HandlerOptions{Level: level},
	}.NewPrettyHandler(os.Stderr))

	if err := os.MkdirAll(filepath.Dir(sessionPath), 0o700); err != nil {
		return err
	}
	persister, err := session.OpenSQLite(sessionPath)
	if err != nil {
		return err
	}
	defer persister.Close()

	store, err := session.NewStore(ctx, persister)
	if err != nil {
		return err
	}

	api := authapi.New(server, nil)
	coord := coordinator.New(store, api,
		coordinator.WithLogger(log),
		coordinator.WithRefreshTimeout(10*time.Second),
		coordinator.WithOnSessionInvalidated(func(error) {
			fmt.Fprintln(out, "session expired, please log in again")
		}),
	)

	switch args[0] {
	case "register":
		if len(args) < 2 {
			return errors.New("register needs an email")
		}
		role := ""
		if len(args) > 2 {
			role = args[2]
		}
		password, err := promptPassword(out)
		if err != nil {
			return err
		}
		id, err := api.Register(ctx, args[1], password, role)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "registered user %d\n", id)

	case "login":
		if len(args) < 2 {
			return errors.New("login needs an email")
		}
		password, err := promptPassword(out)
		if err != nil {
			return err
		}
		pair, err := api.Login(ctx, args[1], password)
		if err != nil {
			return err
		}
		if err := store.SetTokens(ctx, pair.AccessToken, pair.RefreshToken); err != nil {
			return err
		}
		user, err := api.Me(ctx, pair.AccessToken)
		if err != nil {
			return err
		}
		if err := store.SetUser(ctx, user); err != nil {
			return err
		}
		fmt.Fprintf(out, "logged in as %s (%s)\n", user.Email, user.Role)

	case "me":
		if !store.Current().LoggedIn() {
			return errors.New("not logged in")
		}
		var user session.User
		err := coord.Do(ctx, func(ctx context.Context, token string) error {
			var err error
			user, err = api.Me(ctx, token)
			return err
		})
		if err != nil {
			return err
		}
		if err := store.SetUser(ctx, user); err != nil {
			return err
		}
		fmt.Fprintf(out, "%d %s %s\n", user.ID, user.Email, user.Role)

	case "get":
		if len(args) < 2 {
			return errors.New("get needs a path")
		}
		hc := &http.Client{Transport: authapi.NewTransport(coord, nil), Timeout: 30 * time.Second}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(server, "/")+args[1], nil)
		if err != nil {
			return err
		}
		resp, err := hc.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		fmt.Fprintln(out, resp.Status)
		_, err = io.Copy(out, resp.Body)
		return err

	case "logout":
		cur := store.Current()
		if cur.RefreshToken != "" {
			if err := api.Logout(ctx, cur.RefreshToken); err != nil {
				log.Warn("server logout failed", slog.String("error", err.Error()))
			}
		}
		if err := store.Clear(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "logged out")

	default:
		return fmt.Errorf("unknown command %q", args[0])
	}

	return nil
}

func promptPassword(w io.Writer) (string, error) {
	fmt.Fprint(w, "Password: ")

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		fmt.Fprintln(w)
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return "", err
		}
		return strings.TrimSpace(line), nil
	}

	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(w)
	if err != nil {
		return "", err
	}
	return string(pw), nil
}

func defaultSessionPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "identity", "session.db")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
