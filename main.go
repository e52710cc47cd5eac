package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"library-lending/config"
	"library-lending/httpapi"
	"library-lending/library"
	"library-lending/queue"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:           "library",
		Short:         "Library lending service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ./config.yaml)")

	root.AddCommand(serveCmd(), userCmd(), librarianCmd(), booksCmd(), queueCmd())

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type app struct {
	cfg    config.Config
	logger *zap.Logger
	mgr    *library.LibraryManager
}

// openApp loads config and opens the manager. withSessions is false for
// commands that never touch tokens, so they run without a secret.
func openApp(withSessions bool) (*app, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	logger, err := cfg.Logger()
	if err != nil {
		return nil, err
	}

	opts, err := library.ConfigOptions(cfg, logger, withSessions)
	if err != nil {
		return nil, err
	}
	mgr, err := library.NewLibraryManager(cfg.DBPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &app{cfg: cfg, logger: logger, mgr: mgr}, nil
}

func (a *app) close() {
	a.mgr.Close()
	_ = a.logger.Sync()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server and the resolution workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(true)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := a.mgr.Start(ctx); err != nil {
				return err
			}

			srv := &http.Server{
				Addr:              a.cfg.HTTPAddr,
				Handler:           httpapi.NewRouter(a.mgr, httpapi.Options{Logger: a.logger, CookieTTL: a.cfg.Session.TTL}),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errc := make(chan error, 1)
			go func() {
				a.logger.Info("listening", zap.String("addr", srv.Addr))
				errc <- srv.ListenAndServe()
			}()

			select {
			case err := <-errc:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			case <-ctx.Done():
				a.logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					return fmt.Errorf("shutdown: %w", err)
				}
			}
			return nil
		},
	}
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage borrowers"}

	var name, email string
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a borrower",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.close()

			u, err := a.mgr.AddUser(cmd.Context(), library.NewUser{Name: name, Email: email})
			if err != nil {
				return err
			}
			fmt.Printf("User %s added with ID %s\n", u.Name, u.ID)
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "full name")
	add.Flags().StringVar(&email, "email", "", "email address")
	_ = add.MarkFlagRequired("name")
	_ = add.MarkFlagRequired("email")

	cmd.AddCommand(add)
	return cmd
}

// readPassword reads a password with masking.
func readPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	bytePassword, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return "", err
	}
	fmt.Println()
	return strings.TrimSpace(string(bytePassword)), nil
}

func librarianCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "librarian", Short: "Manage librarians"}

	var name, email string
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a librarian and print the generated org email",
		RunE: func(cmd *cobra.Command, _ []string) error {
			password, err := readPassword("Set password (8-72 characters): ")
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
			confirm, err := readPassword("Confirm password: ")
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
			if password != confirm {
				return errors.New("passwords do not match")
			}

			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.close()

			l, err := a.mgr.AddLibrarian(cmd.Context(), library.NewLibrarian{Name: name, Email: email, Password: password})
			if err != nil {
				return err
			}
			fmt.Printf("Librarian %s added. Sign in as %s\n", l.Name, l.OrgEmail)
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "full name")
	add.Flags().StringVar(&email, "email", "", "personal email address")
	_ = add.MarkFlagRequired("name")
	_ = add.MarkFlagRequired("email")

	cmd.AddCommand(add)
	return cmd
}

func booksCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "books", Short: "Inspect the catalog"}

	var skip, take int
	list := &cobra.Command{
		Use:   "list",
		Short: "List books",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.close()

			books, err := a.mgr.ListBooks(cmd.Context(), skip, take)
			if err != nil {
				return err
			}
			if len(books) == 0 {
				fmt.Println("No books found.")
				return nil
			}
			fmt.Printf("%-36s %-40s %-5s %-25s\n", "ID", "Title", "Qty", "Publisher")
			fmt.Println(strings.Repeat("-", 110))
			for _, b := range books {
				fmt.Println(library.PrettyBook(b))
			}
			return nil
		},
	}
	list.Flags().IntVar(&skip, "skip", 0, "books to skip")
	list.Flags().IntVar(&take, "take", 25, "books to show (max 100)")

	var authors, genres []string
	link := &cobra.Command{
		Use:   "link <bookID>",
		Short: "Resolve and link author or genre names to a book right away",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			names := map[library.Kind][]string{}
			if cmd.Flags().Changed("author") {
				names[library.KindAuthor] = authors
			}
			if cmd.Flags().Changed("genre") {
				names[library.KindGenre] = genres
			}
			if len(names) == 0 {
				return errors.New("give at least one --author or --genre")
			}

			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.mgr.LinkNames(cmd.Context(), args[0], names); err != nil {
				return err
			}
			linkedAuthors, linkedGenres, err := a.mgr.BookClassifications(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Book %s now has %d author(s) and %d genre(s)\n", args[0], len(linkedAuthors), len(linkedGenres))
			return nil
		},
	}
	link.Flags().StringSliceVar(&authors, "author", nil, "author name (repeatable)")
	link.Flags().StringSliceVar(&genres, "genre", nil, "genre name (repeatable)")

	cmd.AddCommand(list, link)
	return cmd
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "queue", Short: "Inspect name resolution jobs"}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show job counts and dead-lettered jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.close()

			stats, err := a.mgr.Queue().Stats(cmd.Context())
			if err != nil {
				return err
			}
			for _, s := range []queue.Status{queue.StatusPending, queue.StatusRunning, queue.StatusDone, queue.StatusDead} {
				fmt.Printf("%-8s %d\n", s, stats[s])
			}

			dead, err := a.mgr.Queue().DeadLetters(cmd.Context())
			if err != nil {
				return err
			}
			for _, j := range dead {
				fmt.Printf("dead #%d %s %q book=%s attempts=%d: %s\n", j.ID, j.Kind, j.Name, j.BookID, j.Attempts, j.LastError)
			}
			return nil
		},
	})
	return cmd
}
