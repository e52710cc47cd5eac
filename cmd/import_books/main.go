package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"library-lending/config"
	"library-lending/library"
	"library-lending/queue"
)

// catalogEntry is one book in the import file.
type catalogEntry struct {
	Name      string   `json:"name"`
	Quantity  int      `json:"quantity"`
	Publisher *string  `json:"publisher"`
	Authors   []string `json:"authors"`
	Genres    []string `json:"genres"`
}

func main() {
	catalogPath := "catalog.json"
	if len(os.Args) > 1 {
		catalogPath = os.Args[1]
	}

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	logger, err := cfg.Logger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	raw, err := os.ReadFile(catalogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading catalog: %v\n", err)
		os.Exit(1)
	}
	var entries []catalogEntry
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(raw, &entries); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing catalog: %v\n", err)
		os.Exit(1)
	}

	opts, err := library.ConfigOptions(cfg, logger, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error applying config: %v\n", err)
		os.Exit(1)
	}
	manager, err := library.NewLibraryManager(cfg.DBPath, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer manager.Close()

	ctx := context.Background()
	if err := manager.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting workers: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Importing %d books from %s...\n", len(entries), catalogPath)

	successCount := 0
	errorCount := 0
	for _, e := range entries {
		fmt.Printf("Importing: %s by %s... ", e.Name, strings.Join(e.Authors, ", "))

		b, err := manager.AddBook(ctx, library.NewBook{
			Name: e.Name, Quantity: e.Quantity, Publisher: e.Publisher, Authors: e.Authors, Genres: e.Genres,
		})
		if err != nil {
			if b != nil {
				fmt.Printf("PARTIAL (ID: %s) - %v\n", b.ID, err)
			} else {
				fmt.Printf("ERROR - %v\n", err)
			}
			errorCount++
			continue
		}

		fmt.Printf("SUCCESS (ID: %s)\n", b.ID)
		successCount++
	}

	fmt.Println("\nWaiting for author and genre resolution...")
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	if err := manager.WaitIdle(waitCtx); err != nil {
		fmt.Printf("Warning: resolution still running: %v\n", err)
	}

	fmt.Printf("\nImport complete!\n")
	fmt.Printf("Successfully imported: %d books\n", successCount)
	fmt.Printf("Errors: %d\n", errorCount)

	if stats, err := manager.Queue().Stats(ctx); err == nil && stats[queue.StatusDead] > 0 {
		fmt.Printf("Unresolved names: %d (see `library queue stats`)\n", stats[queue.StatusDead])
	}

	if successCount > 0 {
		fmt.Println("\nImported books:")
		books, err := manager.ListBooks(ctx, 0, 100)
		if err != nil {
			fmt.Printf("Error retrieving books: %v\n", err)
			return
		}
		fmt.Printf("%-36s %-50s %-5s\n", "ID", "Title", "Qty")
		fmt.Println(strings.Repeat("-", 93))
		for _, book := range books {
			fmt.Printf("%-36s %-50s %-5d\n", book.ID, truncateString(book.Name, 50), book.Quantity)
		}
	}
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
