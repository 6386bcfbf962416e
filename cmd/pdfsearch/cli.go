package main

import (
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/WessleyAI/pdfsearch/engine/catalog"
	"github.com/WessleyAI/pdfsearch/engine/domain"
)

const (
	defaultLimit = 3
	previewChars = 100
)

const usage = `usage: pdfsearch <command> [flags] [args]

commands:
  upload <pdf>            index a PDF (--queue hands it to a worker)
  search-text <query>     search by text (--limit, --field text|image)
  search-image <image>    search by image (--limit)
  delete <pdf-id>         remove every page of a PDF
  list                    list indexed PDFs (needs NEO4J_URL)
  serve                   run the HTTP API
  worker                  consume index requests from NATS
`

// parseArgs parses args with fs and returns the positional arguments. Flags
// may appear before or after positionals.
func parseArgs(fs *flag.FlagSet, args []string) ([]string, error) {
	var pos []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return pos, nil
		}
		if args[0] == "--" {
			return append(pos, args[1:]...), nil
		}
		pos = append(pos, args[0])
		args = args[1:]
	}
}

func printResults(w io.Writer, results []domain.Result) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No results found.")
		return
	}
	fmt.Fprintf(w, "\nFound %d results:\n", len(results))
	fmt.Fprintln(w, strings.Repeat("-", 50))
	for i, r := range results {
		fmt.Fprintf(w, "Result %d (Score: %.4f):\n", i+1, r.Score)
		fmt.Fprintf(w, "  PDF ID: %s\n", r.PDFID)
		fmt.Fprintf(w, "  Page Number: %d\n", r.PageNum)
		fmt.Fprintf(w, "  Text Preview: %s...\n", truncate(r.TextPreview, previewChars))
		fmt.Fprintf(w, "  Image Path: %s\n", r.ImagePath)
		fmt.Fprintln(w, strings.Repeat("-", 50))
	}
}

func printReport(w io.Writer, rep domain.IndexReport) {
	fmt.Fprintf(w, "PDF uploaded and indexed successfully. PDF ID: %s\n", rep.PDFID)
	fmt.Fprintf(w, "Pages indexed: %d of %d\n", rep.PagesIndexed, rep.PagesInSource)
	for _, d := range rep.Dropped {
		fmt.Fprintf(w, "  warning: position %d (text page %d, image page %d): %s\n", d.Position, d.TextPage, d.ImagePage, d.Reason)
	}
	if n := len(rep.FailedPoints); n > 0 {
		fmt.Fprintf(w, "  warning: %d pages were rejected by the index\n", n)
	}
}

// printPartial describes the pages a failed run left in the index.
func printPartial(w io.Writer, rep domain.IndexReport) {
	fmt.Fprintf(w, "Indexing stopped early. PDF ID: %s\n", rep.PDFID)
	fmt.Fprintf(w, "Pages indexed before the failure: %d of %d\n", rep.PagesIndexed, rep.PagesInSource)
	fmt.Fprintf(w, "Run `pdfsearch delete %s` to remove them.\n", rep.PDFID)
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func printEntries(w io.Writer, entries []catalog.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No PDFs indexed.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PDF ID\tSOURCE\tPAGES\tINDEXED AT")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\n", e.PDFID, e.Source, e.PagesIndexed, e.PagesInSource, e.IndexedAt.Format(time.RFC3339))
	}
	tw.Flush()
}
