package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"os"
	"os/signal"
	"syscall"

	"agora/internal/config"
	"agora/internal/engine"
	"agora/internal/models"
	"agora/internal/push"
	"agora/internal/rest"
	"agora/internal/session"
	"agora/internal/terminal"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

type options struct {
	username string
	password string
	signup   bool
	verbose  bool
}

func run(ctx context.Context, opts options) error {
	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}

	httpClient := &http.Client{}
	backing, closeBacking, err := openBacking(cfg, httpClient)
	if err != nil {
		return err
	}
	defer closeBacking()

	tokens := session.NewStore(backing, session.WithLogger(logger))
	client := rest.New(cfg.BaseURL, tokens, rest.WithHTTPClient(httpClient), rest.WithLogger(logger))

	if opts.username != "" {
		authCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
		if opts.signup {
			err = client.Signup(authCtx, opts.username, opts.password)
		} else {
			err = client.Login(authCtx, opts.username, opts.password)
		}
		cancel()
		if err != nil {
			return err
		}
	}
	if _, ok := tokens.Current(); !ok {
		return errors.New("no session: log in with -user and -password")
	}

	channel := push.New(cfg.PushURL, tokens, push.WithLogger(logger))
	tokens.Subscribe(channel.SessionChanged)

	var repl *terminal.REPL
	eng := engine.New(engine.Config{
		Gateway:        client,
		Channel:        channel,
		Logger:         logger,
		ReconnectDelay: cfg.ReconnectDelay,
		OnAppend: func(msg models.Message) {
			repl.PrintMessage(msg)
		},
	})
	repl = terminal.New(eng, client, os.Stdout, cfg.RequestTimeout)

	g, gCtx := errgroup.WithContext(ctx)
	replCtx, stopREPL := context.WithCancel(gCtx)
	defer stopREPL()

	g.Go(func() error {
		// The REPL keeps running on push errors; the user sees them via /status.
		if err := eng.Run(gCtx); err != nil {
			logger.Error("push channel stopped", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		watchState(replCtx, eng, repl)
		return nil
	})

	g.Go(func() error {
		defer stopREPL()
		repl.Notice("type /help for commands")
		return repl.Run(replCtx, os.Stdin)
	})

	// The engine and the state watcher follow the REPL out.
	g.Go(func() error {
		<-replCtx.Done()
		return context.Canceled
	})

	return g.Wait()
}

// openBacking picks where the session token lives between runs.
func openBacking(cfg *config.Client, httpClient *http.Client) (session.Backing, func(), error) {
	switch cfg.Session {
	case config.SessionCookie:
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, nil, err
		}
		httpClient.Jar = jar
		backing, err := session.NewCookieBacking(jar, cfg.BaseURL, cfg.SessionExpiry)
		if err != nil {
			return nil, nil, err
		}
		return backing, func() {}, nil
	case config.SessionFile:
		backing, err := session.NewFileBacking(cfg.SessionFile, cfg.SessionExpiry)
		if err != nil {
			return nil, nil, err
		}
		return backing, func() { _ = backing.Close() }, nil
	default:
		return session.NewMemoryBacking(cfg.SessionExpiry), func() {}, nil
	}
}

func watchState(ctx context.Context, eng *engine.Engine, repl *terminal.REPL) {
	last := eng.State()
	for {
		select {
		case <-ctx.Done():
			return
		case <-eng.Updates():
			if state := eng.State(); state != last {
				last = state
				repl.Notice(fmt.Sprintf("push %s", state))
			}
		}
	}
}

// parseOptions reads the command line. The environment, including .env,
// must be loaded first: it supplies the password default.
func parseOptions(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("agora", flag.ContinueOnError)
	fs.StringVar(&opts.username, "user", "", "Log in (or sign up with -signup) as this user")
	fs.StringVar(&opts.password, "password", os.Getenv("AGORA_PASSWORD"), "Password for -user (defaults to $AGORA_PASSWORD)")
	fs.BoolVar(&opts.signup, "signup", false, "Create the account given by -user before connecting")
	fs.BoolVar(&opts.verbose, "v", false, "Debug logging")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

func main() {
	_ = godotenv.Load(".env")

	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
