package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/mmcdole/rescache/internal/cache"
	"github.com/mmcdole/rescache/internal/config"
	"github.com/mmcdole/rescache/internal/domain"
)

type printer struct {
	w    io.Writer
	json bool
}

// newPrinter picks JSON unless a table was requested or stdout is a terminal.
func newPrinter(w io.Writer) *printer {
	switch strings.ToLower(globalFlags.OutputFormat) {
	case "json":
		return &printer{w: w, json: true}
	case "table":
		return &printer{w: w}
	}
	return &printer{w: w, json: !term.IsTerminal(int(os.Stdout.Fd()))}
}

func (p *printer) encode(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *printer) records(recs []domain.CacheRecord) error {
	if p.json {
		if recs == nil {
			recs = []domain.CacheRecord{}
		}
		return p.encode(recs)
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "GROUP\tKEY\tVARIANT\tSTATE\tUPDATED")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.GroupKey, r.Key, r.Variant, state(r), time.Unix(r.UpdatedAt, 0).Format(time.DateTime))
	}
	return tw.Flush()
}

func (p *printer) entry(e cache.Entry) error {
	if p.json {
		return p.encode(e)
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "key\t%s\n", e.Record.Key)
	fmt.Fprintf(tw, "group\t%s\n", e.Record.GroupKey)
	if e.Record.Variant != "" {
		fmt.Fprintf(tw, "variant\t%s\n", e.Record.Variant)
	}
	fmt.Fprintf(tw, "state\t%s\n", state(e.Record))
	if e.Record.ETag != "" {
		fmt.Fprintf(tw, "etag\t%s\n", e.Record.ETag)
	}
	if e.Blob != nil {
		fmt.Fprintf(tw, "content key\t%s\n", e.Blob.ContentKey)
		fmt.Fprintf(tw, "mime type\t%s\n", e.Blob.MimeType)
		fmt.Fprintf(tw, "size\t%d\n", e.Blob.Size)
		fmt.Fprintf(tw, "path\t%s\n", e.Path)
	}
	for _, name := range slices.Sorted(maps.Keys(e.Header)) {
		fmt.Fprintf(tw, "header %s\t%s\n", name, strings.Join(e.Header[name], ", "))
	}
	return tw.Flush()
}

func (p *printer) stats(s cache.Stats) error {
	if p.json {
		return p.encode(s)
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "records\t%d\n", s.Records)
	fmt.Fprintf(tw, "downloaded\t%d\n", s.Downloaded)
	fmt.Fprintf(tw, "migration pending\t%d\n", s.MigrationPending)
	fmt.Fprintf(tw, "pending delete\t%d\n", s.PendingDelete)
	fmt.Fprintf(tw, "in flight\t%d\n", s.InFlight)
	return tw.Flush()
}

func (p *printer) config(c *config.Config) error {
	// Config carries mapstructure tags only; JSON keys follow field names.
	return p.encode(c)
}

func state(r domain.CacheRecord) string {
	switch {
	case r.PendingDelete:
		return "evicting"
	case r.MigrationPending:
		return "legacy"
	case r.IsDownloaded:
		return "downloaded"
	default:
		return "pending"
	}
}
