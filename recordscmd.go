// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only
package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/spf13/cobra"

	"supercache/freshness"
	"supercache/records"
)

func newRecordsCmd(load loadFunc) *cobra.Command {
	var database string
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Inspect and prune the record store",
	}
	cmd.PersistentFlags().StringVar(&database, "database", "", "path of the sqlite record database (default from config)")

	open := func() (*records.Store, error) {
		path := database
		if path == "" {
			loaded, err := load()
			if err != nil {
				return nil, err
			}
			path = loaded.Config.Database
		}
		return records.Open(path)
	}

	var limit, offset int
	list := &cobra.Command{
		Use:   "list",
		Short: "List stored records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()
			recs, err := store.List(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			printRecordTable(cmd.OutOrStdout(), recs, time.Now())
			return nil
		},
	}
	list.Flags().IntVar(&limit, "limit", 100, "maximum records to list")
	list.Flags().IntVar(&offset, "offset", 0, "records to skip")

	show := &cobra.Command{
		Use:   "show NAME TYPE",
		Short: "Show one stored record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args[0], args[1])
			if err != nil {
				return err
			}
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()
			rec, err := store.Get(cmd.Context(), key)
			if err != nil {
				return err
			}
			if rec == nil {
				return fmt.Errorf("no record for %s", key)
			}
			printRecord(cmd.OutOrStdout(), rec, time.Now())
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete NAME TYPE",
		Short: "Delete one stored record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args[0], args[1])
			if err != nil {
				return err
			}
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()
			deleted, err := store.Delete(cmd.Context(), key)
			if err != nil {
				return err
			}
			if !deleted {
				return fmt.Errorf("no record for %s", key)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Removed:", key)
			return nil
		},
	}

	cmd.AddCommand(list, show, del)
	return cmd
}

func parseKey(name, typ string) (records.Key, error) {
	qtype, err := records.ParseType(strings.ToUpper(typ))
	if err != nil {
		return records.Key{}, err
	}
	return records.NewKey(name, qtype), nil
}

func printRecordTable(w io.Writer, recs []records.Record, now time.Time) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No records found.")
		return
	}
	fmt.Fprintf(w, "%-40s %-8s %-6s %-8s %-9s %-25s\n", "Name", "Type", "Rcode", "TTL", "Status", "Received")
	for i := range recs {
		rec := &recs[i]
		fmt.Fprintf(w, "%-40s %-8s %-6s %-8d %-9s %-25s\n",
			rec.Key.Name, rec.Key.TypeString(), rcodeName(rec.Content.Rcode), rec.Content.TTL,
			freshness.Classify(rec, now), rec.DataReceivedAt.Format(time.RFC3339))
	}
}

func printRecord(w io.Writer, rec *records.Record, now time.Time) {
	fmt.Fprintf(w, "Identity:   %s\n", rec.Key)
	fmt.Fprintf(w, "Status:     %s (%ds left of %ds)\n", freshness.Classify(rec, now),
		freshness.Remaining(rec.Content.TTL, rec.DataReceivedAt, now), rec.Content.TTL)
	fmt.Fprintf(w, "Rcode:      %s\n", rcodeName(rec.Content.Rcode))
	fmt.Fprintf(w, "Negative:   %t\n", rec.Content.Negative())
	fmt.Fprintf(w, "Received:   %s\n", rec.DataReceivedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Last query: %s\n", rec.LastQueryAt.Format(time.RFC3339))
	for _, section := range []struct {
		name  string
		lines []string
	}{{"Answer", rec.Content.Answer}, {"Authority", rec.Content.Ns}, {"Additional", rec.Content.Extra}} {
		if len(section.lines) == 0 {
			continue
		}
		fmt.Fprintf(w, "%s:\n", section.name)
		for _, line := range section.lines {
			fmt.Fprintf(w, "  %s\n", line)
		}
	}
}

func rcodeName(rcode int) string {
	if name, ok := dns.RcodeToString[rcode]; ok {
		return name
	}
	return fmt.Sprintf("RCODE%d", rcode)
}
